// Package docerr defines the classified error taxonomy shared by every
// component of the document-search core. Callers branch on Kind instead of
// sentinel values so retry/cleanup policy stays centralized.
package docerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation policy.
type Kind string

const (
	Validation       Kind = "validation"        // bad input shape, size, or content pattern; not retried
	AuthForbidden    Kind = "auth_forbidden"     // tenant scope mismatch or disabled tenant; not retried
	NotFound         Kind = "not_found"          // entity missing; not retried
	RateLimited      Kind = "rate_limited"       // policy exceeded; caller decides
	TransientUpstream Kind = "transient_upstream" // OCR/embedding/LLM/cache/metadata transient; retry with backoff
	PermanentUpstream Kind = "permanent_upstream" // schema/format rejected by upstream; not retried
	Cancelled        Kind = "cancelled"          // deadline or explicit cancel; not retried
	Internal         Kind = "internal"           // bug; not retried; fatal to the current request only
)

// Error is a classified, wrapped error carrying a correlation id for
// cross-boundary reporting without leaking raw upstream messages.
type Error struct {
	Kind          Kind
	Op            string // operation that failed, e.g. "ingest.process"
	CorrelationID string
	RetryAfter    string // populated for RateLimited
	err           error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a classified error wrapping cause (cause may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, err: cause}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, err: fmt.Errorf(format, args...)}
}

// WithCorrelation attaches a correlation id for user-facing propagation.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithRetryAfter attaches a retry-after hint for RateLimited errors.
func (e *Error) WithRetryAfter(hint string) *Error {
	e.RetryAfter = hint
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry classification (a bug we still want to surface, not retry).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Internal
}

// Retryable reports whether the classified kind should be retried with
// backoff by an internal retry loop (OCR batch, embedding batch, LLM call).
func Retryable(err error) bool {
	return KindOf(err) == TransientUpstream
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
