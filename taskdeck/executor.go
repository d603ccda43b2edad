package taskdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the Taskdeck REST API root.
	DefaultBaseURL = "https://api.taskdeck.com/v1"

	// defaultHTTPTimeout bounds each HTTP attempt.
	defaultHTTPTimeout = 30 * time.Second

	// defaultMaxRetries is how many times a retryable failure is retried.
	defaultMaxRetries = 5

	// defaultInitialBackoff seeds the doubling backoff for retryable
	// failures other than 429.
	defaultInitialBackoff = time.Second

	// maxBackoff caps the doubling backoff.
	maxBackoff = 2 * time.Minute

	// defaultRetryAfter is assumed when a 429 carries no usable
	// Retry-After header.
	defaultRetryAfter = 60 * time.Second
)

// Executor dispatches API requests with bearer authentication, bounded
// retries, and response shaping. It is stateless apart from its
// configuration; one executor serves one access token.
type Executor struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	maxRetries        int
	initialBackoff    time.Duration
	retryAfterDefault time.Duration
	logger            *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorBaseURL points the executor at a different API root.
func WithExecutorBaseURL(baseURL string) ExecutorOption {
	return func(e *Executor) {
		e.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithExecutorHTTPClient sets the HTTP client used for dispatch.
func WithExecutorHTTPClient(client *http.Client) ExecutorOption {
	return func(e *Executor) {
		e.httpClient = client
	}
}

// WithExecutorRetries sets how many times a retryable failure is retried.
// Zero means a single attempt.
func WithExecutorRetries(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxRetries = n
	}
}

// WithExecutorBackoff sets the initial backoff for retryable failures
// other than 429. Each retry doubles it.
func WithExecutorBackoff(initial time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.initialBackoff = initial
	}
}

// WithExecutorRetryAfterDefault sets the wait assumed for a 429 without a
// usable Retry-After header.
func WithExecutorRetryAfterDefault(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.retryAfterDefault = d
	}
}

// WithExecutorLogger sets the logger for dispatch diagnostics.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor presenting token as a bearer credential.
func NewExecutor(token string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		baseURL:           DefaultBaseURL,
		token:             token,
		httpClient:        &http.Client{Timeout: defaultHTTPTimeout},
		maxRetries:        defaultMaxRetries,
		initialBackoff:    defaultInitialBackoff,
		retryAfterDefault: defaultRetryAfter,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs the API call described by req.
//
// Retry policy: a 429 waits exactly the interval the server signaled via
// Retry-After (or the configured default) before retrying; 5xx responses
// and transport failures wait a doubling backoff; other 4xx responses
// fail immediately. maxRetries counts retries, so 0 means one attempt.
// Exhausted 429s surface as *RateLimitError, everything else as
// *APIError; a transport failure that never produced a response carries
// Status 0.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	method, target, payload, contentType, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		requestID := uuid.NewString()

		httpReq, err := e.buildAttempt(ctx, method, target, payload, contentType, req.Header, requestID)
		if err != nil {
			return nil, err
		}

		e.logger.Debug("dispatching request",
			slog.String("method", method),
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.String("request_id", requestID),
		)

		resp, body, err := e.dispatch(httpReq)
		if err != nil {
			if attempt < e.maxRetries {
				if err := sleepCtx(ctx, e.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			e.logger.Error("request failed",
				slog.String("method", method),
				slog.String("url", target),
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
			return nil, &APIError{RequestID: requestID, cause: err}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			shaped, err := shapeResponse(req.Mode, httpReq, resp, body)
			if err != nil {
				e.logger.Error("response rejected",
					slog.String("method", method),
					slog.String("url", target),
					slog.String("request_id", requestID),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			return shaped, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header, e.retryAfterDefault)
			if attempt < e.maxRetries {
				e.logger.Debug("rate limited, waiting",
					slog.Duration("retry_after", wait),
					slog.Int("attempt", attempt),
				)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			e.logger.Error("rate limit retries exhausted",
				slog.String("method", method),
				slog.String("url", target),
				slog.Duration("retry_after", wait),
				slog.String("request_id", requestID),
			)
			return nil, &RateLimitError{
				APIError:   *newAPIError(resp.StatusCode, requestID, body),
				RetryAfter: wait,
			}

		case resp.StatusCode >= 500:
			if attempt < e.maxRetries {
				e.logger.Debug("server error, retrying",
					slog.Int("status", resp.StatusCode),
					slog.Int("attempt", attempt),
				)
				if err := sleepCtx(ctx, e.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			apiErr := newAPIError(resp.StatusCode, requestID, body)
			e.logger.Error("server error",
				slog.String("method", method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", requestID),
			)
			return nil, apiErr

		default:
			apiErr := newAPIError(resp.StatusCode, requestID, body)
			e.logger.Error("api error",
				slog.String("method", method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", requestID),
			)
			return nil, apiErr
		}
	}
}

// prepare resolves the target URL and encodes the request body once, so
// retries reuse the same bytes.
func (e *Executor) prepare(req *Request) (method, target string, payload []byte, contentType string, err error) {
	method = req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(e.baseURL)
	if err != nil {
		return "", "", nil, "", fmt.Errorf("parsing base URL: %w", err)
	}
	u = u.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	target = u.String()

	switch {
	case req.JSON != nil:
		payload, err = json.Marshal(req.JSON)
		if err != nil {
			return "", "", nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		contentType = "application/json"
	case req.Form != nil:
		payload = []byte(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	return method, target, payload, contentType, nil
}

// buildAttempt assembles the http.Request for one attempt. Bodies are
// rebuilt per attempt because they are consumed on dispatch.
func (e *Executor) buildAttempt(ctx context.Context, method, target string, payload []byte, contentType string, extra http.Header, requestID string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.token)
	httpReq.Header.Set("X-Request-Id", requestID)

	return httpReq, nil
}

// dispatch performs one attempt and drains the body. A read failure is
// folded into the transport error so the caller sees one failure class.
func (e *Executor) dispatch(req *http.Request) (*http.Response, []byte, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp, body, nil
}

// shapeResponse decodes and shapes a success body per mode.
func shapeResponse(mode ResponseMode, httpReq *http.Request, resp *http.Response, body []byte) (*Response, error) {
	payload := body
	if len(bytes.TrimSpace(payload)) == 0 {
		// 204s and empty 200s carry no body.
		payload = []byte("{}")
	}

	var decoded json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := &Response{Mode: mode, Status: resp.StatusCode, Body: decoded}

	switch mode {
	case ModeData:
		// Responses envelop their payload under "data"; bare bodies pass
		// through whole.
		if data := gjson.GetBytes(decoded, "data"); data.Exists() {
			out.Body = json.RawMessage(data.Raw)
		}
	case ModeFull:
		out.Reason = resp.Status
		out.Header = resp.Header.Clone()
		out.Raw = body
		out.Request = echoRequest(httpReq)
	}

	return out, nil
}

// echoRequest copies the outgoing request for full-mode responses with
// credential-bearing headers masked.
func echoRequest(req *http.Request) *RequestEcho {
	header := req.Header.Clone()
	for k := range header {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			header[k] = []string{RedactedMarker}
		}
	}
	return &RequestEcho{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: header,
	}
}

// newAPIError builds an APIError from an error response body. Taskdeck
// error envelopes look like {"errors":[{"message":"...","help":"..."}]};
// anything else is carried as raw text.
func newAPIError(status int, requestID string, body []byte) *APIError {
	apiErr := &APIError{Status: status, RequestID: requestID}

	var envelope struct {
		Errors []ErrorDetail `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		apiErr.Errors = envelope.Errors
		return apiErr
	}

	apiErr.Body = strings.TrimSpace(string(body))
	return apiErr
}

// retryAfter reads Retry-After as integer seconds, falling back to def
// when the header is missing or unparseable.
func retryAfter(h http.Header, def time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return def
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return def
	}

	return time.Duration(secs) * time.Second
}

// backoff returns the wait before the next retry: initial, 2x, 4x, ...
// capped at maxBackoff.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.initialBackoff << uint(attempt)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx waits for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
