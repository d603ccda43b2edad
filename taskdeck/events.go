package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// DefaultEventsURL is the Taskdeck realtime event feed.
	DefaultEventsURL = "wss://stream.taskdeck.com/v1/events"

	// eventsReadLimit bounds a single frame from the feed.
	eventsReadLimit = 1 << 20

	// heartbeatCheckAt is how often feed silence is re-examined.
	heartbeatCheckAt = 10 * time.Second

	// pingAfter is how long the feed may stay silent before a ping.
	pingAfter = 30 * time.Second

	// disconnectAfter is how long silence is tolerated before the
	// connection is declared dead.
	disconnectAfter = 90 * time.Second
)

// Event is one change notification from the feed.
type Event struct {
	Type        string          `json:"type"`
	ResourceGID string          `json:"resource_gid"`
	Action      string          `json:"action"`
	At          time.Time       `json:"at"`
	Raw         json.RawMessage `json:"-"`
}

// EventHandler consumes events delivered by Listen and Run.
type EventHandler func(Event)

// wsConn is the subset of *websocket.Conn the events client uses.
// Extracted for testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsFrame is one raw frame handed from the reader goroutine to the event
// loop.
type wsFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// EventsClient consumes the Taskdeck realtime feed for one workspace.
//
// A reader goroutine feeds raw frames to a single event loop (Listen)
// that also owns the heartbeat. All writes happen from the loop, so no
// write mutex is needed.
type EventsClient struct {
	url          string
	token        string
	workspaceGID string
	logger       *slog.Logger

	conn        wsConn
	lastMessage time.Time
}

// EventsOption configures an EventsClient.
type EventsOption func(*EventsClient)

// WithEventsURL points the client at a different feed endpoint.
func WithEventsURL(url string) EventsOption {
	return func(e *EventsClient) {
		e.url = url
	}
}

// WithEventsLogger sets the logger.
func WithEventsLogger(logger *slog.Logger) EventsOption {
	return func(e *EventsClient) {
		e.logger = logger
	}
}

// NewEventsClient creates a feed client for one workspace, authenticating
// with the given bearer token.
func NewEventsClient(token, workspaceGID string, opts ...EventsOption) *EventsClient {
	e := &EventsClient{
		url:          DefaultEventsURL,
		token:        token,
		workspaceGID: workspaceGID,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect dials the feed and subscribes to the workspace.
func (e *EventsClient) Connect(ctx context.Context) error {
	e.logger.Debug("connecting to event feed", slog.String("url", e.url))

	conn, _, err := websocket.Dial(ctx, e.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + e.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing event feed: %w", err)
	}
	conn.SetReadLimit(eventsReadLimit)
	e.conn = conn

	return e.subscribe(ctx)
}

// subscribe announces the workspace and waits for the ready ack.
func (e *EventsClient) subscribe(ctx context.Context) error {
	sub := map[string]string{"op": "subscribe", "workspace": e.workspaceGID}
	if err := e.writeJSON(ctx, sub); err != nil {
		e.conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("subscribing: %w", err)
	}

	var ack struct {
		Op    string `json:"op"`
		Error string `json:"error"`
	}
	if err := e.readJSON(ctx, &ack); err != nil {
		e.conn.Close(websocket.StatusInternalError, "ack read failed")
		return fmt.Errorf("reading subscribe ack: %w", err)
	}

	if ack.Op != "ready" {
		e.conn.Close(websocket.StatusNormalClosure, "subscribe rejected")
		if ack.Error != "" {
			return fmt.Errorf("subscribe rejected: %s", ack.Error)
		}
		return fmt.Errorf("subscribe rejected: unexpected op %q", ack.Op)
	}

	e.logger.Info("event feed ready", slog.String("workspace", e.workspaceGID))

	return nil
}

// Listen dispatches feed events to handler until the connection fails or
// ctx is canceled. Unparseable frames are skipped; silence beyond
// disconnectAfter closes the connection.
func (e *EventsClient) Listen(ctx context.Context, handler EventHandler) error {
	if e.conn == nil {
		return fmt.Errorf("not connected")
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	frames := make(chan wsFrame, 16)
	go func() {
		defer close(frames)
		for {
			typ, data, err := e.conn.Read(readCtx)
			select {
			case frames <- wsFrame{typ: typ, data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	e.touch()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				return fmt.Errorf("reader stopped")
			}
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}
			e.touch()
			e.handleFrame(frame, handler)

		case <-ticker.C:
			elapsed := time.Since(e.lastMessage)
			if elapsed > disconnectAfter {
				e.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}
			if elapsed > pingAfter {
				if err := e.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}
		}
	}
}

// Run keeps the feed alive, reconnecting with exponential backoff until
// ctx is canceled. A connection that reached ready earns a fresh backoff
// schedule.
func (e *EventsClient) Run(ctx context.Context, handler EventHandler) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	attempt := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		if err := e.Connect(ctx); err != nil {
			e.logger.Warn("event feed connect failed", slog.String("error", err.Error()))
			return err
		}

		policy.Reset()

		err := e.Listen(ctx, handler)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		e.logger.Warn("event feed connection lost", slog.String("error", err.Error()))

		return err
	}

	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// Close closes the connection politely.
func (e *EventsClient) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close(websocket.StatusNormalClosure, "bye")
}

// handleFrame routes one inbound frame.
func (e *EventsClient) handleFrame(frame wsFrame, handler EventHandler) {
	if frame.typ == websocket.MessageBinary {
		e.logger.Debug("unexpected binary frame", slog.Int("bytes", len(frame.data)))
		return
	}

	switch op := gjson.GetBytes(frame.data, "op").String(); op {
	case "pong":

	case "event":
		var ev Event
		if err := json.Unmarshal(frame.data, &ev); err != nil {
			e.logger.Warn("undecodable event frame", slog.String("error", err.Error()))
			return
		}
		ev.Raw = frame.data
		handler(ev)

	default:
		e.logger.Debug("ignoring frame", slog.String("op", op))
	}
}

func (e *EventsClient) touch() {
	e.lastMessage = time.Now()
}

// writeJSON marshals v and writes it as a text frame.
func (e *EventsClient) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	if err := e.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

// readJSON reads a single text frame into v.
func (e *EventsClient) readJSON(ctx context.Context, v any) error {
	_, data, err := e.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshalling message: %w", err)
	}

	return nil
}
