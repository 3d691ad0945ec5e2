// Package smerror holds the error taxonomy of the session manager.
package smerror

import (
	"errors"
	"net/http"
)

// Sentinel errors for the session lifecycle.
var (
	// ErrStoreUnavailable means the durable store is unreachable. Never fatal:
	// writes degrade to the pending buffer, reads to the local workspace.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrConnectionInit means the underlying connection failed to initialize.
	ErrConnectionInit = errors.New("connection initialization failed")
	// ErrAuthInvalidated means the tenant's credentials were revoked (logout).
	ErrAuthInvalidated = errors.New("authentication invalidated")
	// ErrRetryBudgetExhausted means the reconnection budget is spent.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

type (
	// An SMError represents the error format that can be rendered by the
	// control-plane server.
	SMError struct {
		HTTPCode   int `json:"-"`
		FieldError err `json:"error"`
	}

	err struct {
		Tag     string `json:"tag,omitempty"`
		Number  string `json:"number,omitempty"`
		Message string `json:"message"`
	}
)

// StatusCode returns the HTTP status code.
func StatusCode(err error) int {
	var smerr *SMError
	if errors.As(err, &smerr) && smerr.HTTPCode > 0 {
		return smerr.HTTPCode
	}
	return http.StatusInternalServerError
}

// New returns a new SMError with the given message.
func New(message string) *SMError {
	return &SMError{FieldError: err{Message: message}}
}

// NewWithTagCode returns a new SMError with the given code, tag and message.
func NewWithTagCode(code int, tag, message string) *SMError {
	return &SMError{HTTPCode: code, FieldError: err{Tag: tag, Message: message}}
}

// WithNumber attaches the tenant number the error relates to.
func (e *SMError) WithNumber(number string) *SMError {
	e.FieldError.Number = number
	return e
}

// Tag returns the error's tag.
func (e *SMError) Tag() string {
	return e.FieldError.Tag
}

// Number returns the tenant number the error relates to, if any.
func (e *SMError) Number() string {
	return e.FieldError.Number
}

// Error implements error interface.
func (e *SMError) Error() string {
	return e.FieldError.Message
}
