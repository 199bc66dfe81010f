package mediamtx

import (
	"errors"
	"fmt"
)

// Service error codes surfaced to the orchestrator once the client's
// internal retries are exhausted.
const (
	CodeTimeout         = "MEDIAMTX_TIMEOUT"
	CodeConnectionError = "MEDIAMTX_CONNECTION_ERROR"
	CodeAPIError        = "MEDIAMTX_API_ERROR"
)

// ServiceError is a typed control-plane failure.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func newServiceError(code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the service error code, or "" for other errors.
func CodeOf(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
