package taskdeck

import (
	"fmt"
	"net/http"
	"net/url"
)

// ResponseMode selects how much of the HTTP exchange Execute surfaces.
type ResponseMode int

const (
	// ModeData returns just the data payload of the response envelope.
	// This is the default.
	ModeData ResponseMode = iota

	// ModeNormal returns the entire decoded body.
	ModeNormal

	// ModeFull additionally carries status, reason, headers, the raw body,
	// and a sanitized echo of the request.
	ModeFull
)

func (m ResponseMode) String() string {
	switch m {
	case ModeData:
		return "data"
	case ModeNormal:
		return "normal"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request describes one API call.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// Path is joined to the executor's base URL. A leading slash is
	// optional.
	Path string

	// Query is encoded into the URL.
	Query url.Values

	// JSON, when non-nil, is marshaled as the request body.
	JSON any

	// Form, when non-nil, is form-encoded as the request body. JSON wins
	// when both are set.
	Form url.Values

	// Header carries extra headers. Authorization is always overwritten by
	// the executor.
	Header http.Header

	// Mode selects the response shape. The zero value is ModeData.
	Mode ResponseMode
}
