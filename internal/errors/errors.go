// Package errors provides structured error types for the session agent.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// APIError represents a non-2xx response from the Memorio API.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// FromStatus builds an APIError that also wraps the sentinel matching the
// status code, so callers can use errors.Is without inspecting codes.
func FromStatus(service string, statusCode int, message string) *APIError {
	e := NewAPIError(service, statusCode, message)
	switch {
	case statusCode == http.StatusUnauthorized:
		e.Err = ErrAuthFailure
	case statusCode == http.StatusTooManyRequests:
		e.Err = ErrRateLimit
	case statusCode == http.StatusNotFound:
		e.Err = ErrNotFound
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		e.Err = ErrInvalidInput
	case statusCode == http.StatusGatewayTimeout:
		e.Err = ErrTimeout
	case statusCode >= 500:
		e.Err = ErrUnavailable
	}
	return e
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsAuthFailure reports whether err is a hard authentication failure.
func IsAuthFailure(err error) bool {
	return IsUnauthorized(err) || errors.Is(err, ErrAuthFailure)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests || errors.Is(err, ErrRateLimit)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	switch StatusCode(err) {
	case 429, 500, 502, 503, 504:
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
