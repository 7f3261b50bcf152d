package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is matched by every TransientError.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends during a request or backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// maxErrorBody bounds how much of a failed response body is kept for logging.
const maxErrorBody = 512

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Status     string
	ErrorClass ErrorClass
	// Body holds the first bytes of the response body.
	Body []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("API %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Status)
}

// TransientError is returned once all attempts for a request have failed
// with retryable conditions. Individual attempts are never surfaced.
type TransientError struct {
	Endpoint   string
	Attempts   int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s after %d attempts: %v", e.Endpoint, ErrRetryExhausted, e.Attempts, e.Err)
}

// Unwrap returns the error of the last attempt.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is reports TransientError as ErrRetryExhausted for errors.Is.
func (e *TransientError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// ResponseBody returns the body snippet carried by err, if any.
func ResponseBody(err error) []byte {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Body
	}
	return nil
}

// classifyStatus maps an HTTP status onto an ErrorClass.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError categorizes an attempt error for metrics and logging.
func classifyError(err error) ErrorClass {
	var se *StatusError
	if errors.As(err, &se) {
		return se.ErrorClass
	}
	return ErrorClassNetwork
}
