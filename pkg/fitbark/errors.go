package fitbark

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrProtocol reports a well-formed HTTP exchange whose JSON payload lacks an expected
// field or cannot be decoded.
var ErrProtocol = errors.New("protocol failure")

// Error is a transport failure: the request could not be sent, or the service answered
// with a non-2xx status. StatusCode is 0 when no response was received.
type Error struct {
	StatusCode int
	Message    string
	Body       string
	Endpoint   string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fitbark %s: %v", e.Endpoint, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("fitbark %s: %s (status: %d)", e.Endpoint, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("fitbark %s: status %d", e.Endpoint, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary tells whether retrying the same request later may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsUnauthorized tells whether the service rejected the bearer token.
func IsUnauthorized(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.StatusCode == http.StatusUnauthorized
}

func protocolError(endpoint string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrProtocol, endpoint, fmt.Sprintf(format, args...))
}
