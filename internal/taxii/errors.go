package taxii

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by Client and Walk matches exactly one
// of these through errors.Is.
var (
	ErrAuth     = errors.New("authentication failed")
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")
	ErrNotFound = errors.New("not found")
)

// ErrInvalidURL is returned before any request is made when a caller
// supplies a URL that is not absolute http(s).
var ErrInvalidURL = errors.New("invalid url")

// Error describes a failed TAXII operation.
type Error struct {
	Op         string // discover, api-root, collections, objects, walk
	URL        string
	StatusCode int // zero when no response was received
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.URL + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrNetwork
	default:
		return ErrProtocol
	}
}
