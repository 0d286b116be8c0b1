package logic

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrMonitorNotFound is wrapped by an UnknownError when Shinobi answers a
// per-monitor request with an empty list.
var ErrMonitorNotFound = errors.New("monitor not found")

// TransportError covers connection failures, timeouts and unexpected HTTP
// status codes.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("shinobi %s: http status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("shinobi %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the request hit the client timeout or the context
// deadline.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// DecodeError is returned when the response body is not valid JSON. Body
// holds the raw response text.
type DecodeError struct {
	Op   string
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("shinobi %s: decode response %q: %v", e.Op, e.Body, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AuthenticationError means Shinobi answered with an {"ok": false} payload.
// The API reports bad keys this way instead of with an HTTP status.
type AuthenticationError struct {
	Op      string
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("shinobi %s: wrong api_key or non existing group_key: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("shinobi %s: wrong api_key or non existing group_key", e.Op)
}

// ValidationError rejects a locally supplied value before any request is made.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// UnknownError is any well-formed JSON response that does not match a known
// shape.
type UnknownError struct {
	Op     string
	Body   string
	Reason string
	Err    error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("shinobi %s: unexpected response: %s", e.Op, e.Reason)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// Classify names the error class for log fields and diagnostics.
func Classify(err error) string {
	var (
		authErr      *AuthenticationError
		unknownErr   *UnknownError
		transportErr *TransportError
		decodeErr    *DecodeError
		validErr     *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &unknownErr):
		return "unknown"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &validErr):
		return "validation"
	default:
		return "other"
	}
}
