package conn

import (
	"errors"
	"fmt"
)

// Error codes surfaced across the package boundary. Callers never see raw
// transport errors.
const (
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeAuthFailed        = "AUTHENTICATION_FAILED"
	CodeStreamUnavailable = "STREAM_UNAVAILABLE"
)

// Error wraps a transport failure with a stable code and a message safe to
// show to operators.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the error code, defaulting to CONNECTION_FAILED for errors
// that did not originate in this package.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeConnectionFailed
}
