package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents timeouts and connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassThrottled represents 429 and 503 responses.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassServer represents other 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassMalformed represents a 2xx response whose body is not the
	// expected shape.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassUnknown is used for errors that carry no classification.
	ErrorClassUnknown ErrorClass = "unknown"
)

// APIError represents a failed request with additional context.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Malformed wraps a decode or shape problem in an otherwise successful response.
func Malformed(message string, err error) *APIError {
	return &APIError{
		StatusCode: 200,
		Class:      ErrorClassMalformed,
		Message:    message,
		Err:        err,
	}
}

// ClassOf returns the classification carried by err, or ErrorClassUnknown.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ErrorClassUnknown
}

// IsThrottled reports whether err is server-signalled backpressure.
func IsThrottled(err error) bool {
	return ClassOf(err) == ErrorClassThrottled
}

// classifyStatus maps an HTTP status code to an ErrorClass.
// Returns "" for 2xx.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 429 || status == 503:
		return ErrorClassThrottled
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// StatusError builds the error for a failed status code, including status
// codes reported inside a 2xx response body.
func StatusError(status int, message string) *APIError {
	class := classifyStatus(status)
	if class == "" {
		class = ErrorClassMalformed
	}
	return &APIError{
		StatusCode: status,
		Class:      class,
		Message:    message,
	}
}

// ExhaustedError is returned when an operation used every try of its policy.
type ExhaustedError struct {
	Op    string
	State RetryState
	Last  error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d tries (%d throttled): %v",
		e.Op, ErrRetryExhausted, e.State.Tries, e.State.Throttles, e.Last)
}

// Unwrap exposes both ErrRetryExhausted and the last failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}
