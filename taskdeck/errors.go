package taskdeck

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credential lifecycle errors.
var (
	// ErrNoCredential is returned when an operation needs a credential and
	// none has been configured or loaded.
	ErrNoCredential = errors.New("no credential configured")

	// ErrTokenInvalid is returned when an expired access token could not be
	// refreshed. It wraps the refresh failure.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrOAuthNotConfigured is returned when a refresh or exchange needs an
	// authorization server and none is configured, or the credential has no
	// refresh token to present.
	ErrOAuthNotConfigured = errors.New("oauth not configured")

	// ErrCallbackFailure is returned when an authorization code could not
	// be exchanged for a credential.
	ErrCallbackFailure = errors.New("authorization code exchange failed")
)

// Transport errors.
var (
	// ErrMalformedResponse is returned when a success response body cannot
	// be decoded as JSON.
	ErrMalformedResponse = errors.New("malformed response body")
)

// Credential vault errors.
var (
	// ErrInvalidEncoding is returned when a sealed value is not valid
	// base64 or is too short to contain a tag and nonce.
	ErrInvalidEncoding = errors.New("invalid sealed value encoding")

	// ErrIntegrityFailure is returned when a sealed value fails tag
	// verification. A tampered payload and a wrong passphrase produce
	// the same error.
	ErrIntegrityFailure = errors.New("sealed value failed integrity check")
)

// ErrorDetail is one entry of a structured API error body.
type ErrorDetail struct {
	Message string `json:"message"`
	Help    string `json:"help,omitempty"`
}

// APIError is returned for non-2xx responses that are not retried (or
// once retries are exhausted), and with Status 0 for transport failures
// that never produced a response.
type APIError struct {
	Status    int
	RequestID string

	// Errors holds the parsed error list when the body was a Taskdeck
	// error envelope; otherwise Body carries the raw text.
	Errors []ErrorDetail
	Body   string

	cause error
}

func (e *APIError) Error() string {
	var b strings.Builder

	if e.Status == 0 {
		b.WriteString("api request failed")
	} else {
		fmt.Fprintf(&b, "api error: status %d", e.Status)
	}

	if len(e.Errors) > 0 {
		msgs := make([]string, len(e.Errors))
		for i, d := range e.Errors {
			msgs[i] = d.Message
		}
		fmt.Fprintf(&b, ": %s", strings.Join(msgs, "; "))
	} else if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}

	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}

	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}

	return b.String()
}

// Unwrap exposes the underlying transport error, if any.
func (e *APIError) Unwrap() error { return e.cause }

// RateLimitError is returned when the API still answers 429 after all
// retries. RetryAfter carries the server-signaled wait, or the default
// when the server sent none.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request %s)", e.RequestID)
	}
	return msg
}

// Unwrap exposes the embedded APIError so errors.As can match either type.
func (e *RateLimitError) Unwrap() error { return &e.APIError }
