package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions provider failures for recovery classification.
type ErrorKind string

const (
	ErrAPI             ErrorKind = "api"
	ErrNetwork         ErrorKind = "network"
	ErrRateLimit       ErrorKind = "rate_limit"
	ErrConfig          ErrorKind = "config"
	ErrModelNotFound   ErrorKind = "model_not_found"
	ErrContentFiltered ErrorKind = "content_filtered"
	ErrSerialization   ErrorKind = "serialization"
	ErrOther           ErrorKind = "other"
)

// Error is a typed provider failure.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status is the HTTP status for Kind == ErrAPI, 0 otherwise.
	Status int
	// RetryAfter is the provider's backoff hint for Kind == ErrRateLimit.
	RetryAfter time.Duration
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed provider error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// APIError builds an api-kind error carrying an HTTP status.
func APIError(status int, msg string) *Error {
	return &Error{Kind: ErrAPI, Message: msg, Status: status}
}

// RateLimitError builds a rate_limit-kind error with an optional hint.
func RateLimitError(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRateLimit, Message: msg, RetryAfter: retryAfter}
}

// KindOf extracts the error kind, or ErrOther for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrOther
}
