package taskdeck

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// RedactedMarker replaces credential-bearing header values in full-mode
// request echoes.
const RedactedMarker = "[REDACTED]"

// RequestEcho is the sanitized copy of the outgoing request carried by
// full-mode responses. Authorization values are replaced with
// RedactedMarker; method, URL, and query survive exactly as sent.
type RequestEcho struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header"`
}

// Response is the outcome of an executed request. Status and Body are
// always populated; the remaining fields only in full mode.
type Response struct {
	Mode   ResponseMode    `json:"-"`
	Status int             `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Header http.Header     `json:"header,omitempty"`
	Body   json.RawMessage `json:"body"`
	Raw    []byte          `json:"-"`

	Request *RequestEcho `json:"request,omitempty"`
}

// Get extracts a value from the body by gjson path, e.g. "0.name" or
// "assignee.gid".
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
