package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Error is a caller-facing failure. Code is a stable machine-readable reason,
// Hint tells an operator how to fix it.
type Error struct {
	Status     int
	Code       string
	Message    string
	Hint       string
	Field      string
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of e carrying hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

func Validation(field, message string) *Error {
	return &Error{Status: fiber.StatusBadRequest, Code: "validation_failed", Field: field, Message: message}
}

func Unauthenticated(code, message, hint string) *Error {
	return &Error{Status: fiber.StatusUnauthorized, Code: code, Message: message, Hint: hint}
}

func Forbidden(code, message, hint string) *Error {
	return &Error{Status: fiber.StatusForbidden, Code: code, Message: message, Hint: hint}
}

func NotFound(what string) *Error {
	return &Error{Status: fiber.StatusNotFound, Code: "not_found", Message: what + " not found"}
}

// Conflict is an operation that is invalid for the entity's current state.
// The relay reports these as 400 like any other rejected call.
func Conflict(code, message string) *Error {
	return &Error{Status: fiber.StatusBadRequest, Code: code, Message: message}
}

func Unprocessable(code, message string) *Error {
	return &Error{Status: fiber.StatusUnprocessableEntity, Code: code, Message: message}
}

func RateLimited(retryAfter time.Duration) *Error {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &Error{
		Status:     fiber.StatusTooManyRequests,
		Code:       "rate_limited",
		Message:    "rate limit exceeded for this API key",
		Hint:       fmt.Sprintf("retry after %d seconds", secs),
		RetryAfter: time.Duration(secs) * time.Second,
	}
}

// Internal wraps an unexpected failure. The cause is logged, never rendered.
func Internal(err error) *Error {
	return &Error{Status: fiber.StatusInternalServerError, Code: "internal_error", Message: "internal server error", cause: err}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return ""
}
