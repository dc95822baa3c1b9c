// Package faults defines the error taxonomy shared by the engines, the
// catalog, and the HTTP layer. Every user-visible failure carries a Kind
// (which maps to an HTTP status) and a short machine-readable Code.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry policy and HTTP mapping.
type Kind int

const (
	// KindInternal is a logic bug or an unclassified failure.
	KindInternal Kind = iota

	// KindValidation is a bad path or out-of-range parameter.
	KindValidation

	// KindNotFound is a missing source file or missing row.
	KindNotFound

	// KindConflict is a duplicate insert or an already-processing claim.
	KindConflict

	// KindUnavailable is a busy pool, a held lock, or search not ready.
	KindUnavailable

	// KindTimeout is a fired task watchdog or exceeded deadline.
	KindTimeout

	// KindExternal is a failed external tool (ffmpeg, ffprobe, redis).
	KindExternal

	// KindCorruption is a failed database integrity check.
	KindCorruption
)

// String returns the lowercase taxonomy name used in envelopes and logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindExternal:
		return "external"
	case KindCorruption:
		return "corruption"
	case KindInternal:
		return "internal"
	default:
		return "internal"
	}
}

// KindFromString maps an envelope taxonomy name back to a Kind.
// Unknown names classify as KindInternal, never an error.
func KindFromString(s string) Kind {
	switch s {
	case "validation":
		return KindValidation
	case "not_found":
		return KindNotFound
	case "conflict":
		return KindConflict
	case "unavailable":
		return KindUnavailable
	case "timeout":
		return KindTimeout
	case "external":
		return KindExternal
	case "corruption":
		return KindCorruption
	default:
		return KindInternal
	}
}

// Well-known codes surfaced to clients.
const (
	CodeSearchUnavailable = "SEARCH_UNAVAILABLE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodePathNotFound      = "PATH_NOT_FOUND"
	CodePoolBusy          = "POOL_BUSY"
	CodePoolDraining      = "POOL_DRAINING"
	CodePoolDegraded      = "POOL_DEGRADED"
	CodeSourceTooLarge    = "SOURCE_TOO_LARGE"
	CodeWorkerPanic       = "WORKER_PANIC"
)

// Error is a classified failure. The zero Kind is KindInternal, so a
// forgotten classification degrades to a 500, never a silent success.
type Error struct {
	// Kind selects retry policy and the HTTP status.
	Kind Kind

	// Code is a short machine-readable string for client logic. Optional.
	Code string

	// Message is the human-readable description.
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
// A nil cause returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, code, message string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Plain errors and nil
// classify as KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return KindInternal
}

// CodeOf extracts the client code from an error chain, empty when absent.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}

	return ""
}

// IsKind reports whether the error chain carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}

	return false
}

// Retryable reports whether an automatic retry is permitted for the error.
// Only Unavailable (contention) and External (transient tool failures)
// qualify; Validation, NotFound, and Corruption never retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindExternal:
		return true
	case KindValidation, KindNotFound, KindConflict, KindTimeout, KindCorruption, KindInternal:
		return false
	default:
		return false
	}
}

// HTTPStatus maps a Kind onto the status code the API layer returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindExternal, KindCorruption, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
