package fetch

import (
	"errors"
	"fmt"
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ClassAuth represents rejected credentials (401/403). Never retried.
	ClassAuth ErrorClass = "auth"

	// ClassClient represents other 4xx client errors. Never retried.
	ClassClient ErrorClass = "client"

	// ClassServer represents 5xx server errors.
	ClassServer ErrorClass = "server"

	// ClassRateLimit represents explicit rate-limit rejections (429).
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassNetwork represents network/timeout errors.
	ClassNetwork ErrorClass = "network"

	// ClassMalformed represents responses the fetcher could not decode.
	// Never retried; the source contract is broken.
	ClassMalformed ErrorClass = "malformed"
)

// Error is a classified fetch failure with source context.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether an error class is worth retrying with backoff.
// Auth, plain client and malformed errors waste the retry budget and
// require caller intervention instead.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassServer, ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// ClassOf extracts the error class from err, or ClassNetwork when err is
// not a classified fetch error (treat unknown failures as transient).
func ClassOf(err error) ErrorClass {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassNetwork
}
