// Package errdefs defines the error taxonomy shared by all snowbridge
// subsystems. Every surfaced error carries a machine-readable kind and a
// human-readable message; callers branch on the kind via errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindTransientUpstream covers network errors, 5xx responses and
	// exhausted retries. Safe to retry with backoff.
	KindTransientUpstream Kind = "transient_upstream"

	// KindAuthExpired is a 401 that survived one credential refresh.
	KindAuthExpired Kind = "auth_expired"

	// KindNotFound maps a 404 on a specific record to an empty result.
	// The hybrid layer converts this to a nil ticket, never an error.
	KindNotFound Kind = "not_found"

	// KindValidation is a malformed payload, invalid state transition or
	// schema violation. Never retried.
	KindValidation Kind = "validation"

	// KindRateLimited is an internal or upstream 429. Not retried inline.
	KindRateLimited Kind = "rate_limited"

	// KindFatal means the store or event bus is unreachable.
	KindFatal Kind = "fatal"
)

// Error is the taxonomy error type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind, so errors.Is(err, errdefs.NotFound("")) style checks
// work through wrapping. Prefer the IsX helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a taxonomy error with the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func TransientUpstream(format string, args ...any) *Error {
	return New(KindTransientUpstream, format, args...)
}

func AuthExpired(format string, args ...any) *Error {
	return New(KindAuthExpired, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Fatal(format string, args ...any) *Error {
	return New(KindFatal, format, args...)
}

// RateLimitedError carries the offending source and when the window resets.
type RateLimitedError struct {
	Source  string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: source %q rate limited until %s",
		KindRateLimited, e.Source, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == KindRateLimited
	}
	_, ok := target.(*RateLimitedError)
	return ok
}

// RateLimited builds a rate-limit error naming the source and reset time.
func RateLimited(source string, resetAt time.Time) *RateLimitedError {
	return &RateLimitedError{Source: source, ResetAt: resetAt}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	return ""
}

func IsTransientUpstream(err error) bool { return kindOf(err) == KindTransientUpstream }
func IsAuthExpired(err error) bool       { return kindOf(err) == KindAuthExpired }
func IsNotFound(err error) bool          { return kindOf(err) == KindNotFound }
func IsValidation(err error) bool        { return kindOf(err) == KindValidation }
func IsRateLimited(err error) bool       { return kindOf(err) == KindRateLimited }
func IsFatal(err error) bool             { return kindOf(err) == KindFatal }
