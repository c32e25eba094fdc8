package api

import (
	"errors"
	"net/http"
)

// Static errors for backend client operations.
var (
	// ErrBaseURLRequired is returned when the backend base URL is not provided.
	ErrBaseURLRequired = errors.New("api: base URL is required")
	// ErrUnauthorized is returned when the backend rejects the credential.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrNetwork is returned when the backend could not be reached.
	ErrNetwork = errors.New("api: network failure")
	// ErrServerError is returned when the backend answers with a 5xx status code.
	ErrServerError = errors.New("api: server error")
	// ErrRateLimited is returned when the backend answers with 429.
	ErrRateLimited = errors.New("api: rate limited")
	// ErrRequestFailed is returned for any other non-2xx status code.
	ErrRequestFailed = errors.New("api: request failed")
	// ErrInvalidCode is returned when the backend rejects Manim code during validation.
	ErrInvalidCode = errors.New("api: code is invalid")
	// ErrVideoIDRequired is returned when a video ID is not provided.
	ErrVideoIDRequired = errors.New("api: video ID is required")
)

// Messages used when the backend does not supply one.
const (
	msgNetwork = "network error, please check your connection"
	msgGeneric = "request failed"
)

// Error is the normalized shape of every failed backend call.
// Message prefers the server-supplied text; Status is zero when no
// response was received.
type Error struct {
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Message returns the normalized message carried by err, or fallback when err
// is not an *Error or has an empty message.
func Message(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// classify maps a non-2xx status code to its sentinel.
func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	default:
		return ErrRequestFailed
	}
}

// retryableError wraps errors that may be retried on idempotent requests.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
