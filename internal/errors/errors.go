// Package errors provides the semantic error taxonomy shared by the
// coordinator, the backend adapters and the public operation surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is a semantic error classification. Kinds are stable across the
// public surface; callers branch on the kind, never on message text.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindUnavailable         Kind = "UNAVAILABLE"
	KindTimeout             Kind = "TIMEOUT"
	KindQuorumNotMet        Kind = "QUORUM_NOT_MET"
	KindPartialFailure      Kind = "PARTIAL_FAILURE"
	KindCompensationFailure Kind = "COMPENSATION_FAILURE"
	KindResourceExhausted   Kind = "RESOURCE_EXHAUSTED"
	KindRecursionBlocked    Kind = "RECURSION_BLOCKED"
	KindIntegrityFailure    Kind = "INTEGRITY_FAILURE"
	KindInternal            Kind = "INTERNAL"
)

// CoreError is the structured error carried through the core. Adapter
// errors bubble up with the adapter identity attached; the coordinator and
// the public boundary classify, they never swallow.
type CoreError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Adapter string         `json:"adapter,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Adapter != "" {
		return fmt.Sprintf("%s: %s: %s", e.Adapter, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *CoreError) Unwrap() error { return e.Err }

// WithAdapter attaches the adapter identity and returns the error.
func (e *CoreError) WithAdapter(name string) *CoreError {
	e.Adapter = name
	return e
}

// WithDetail attaches one contextual field and returns the error.
func (e *CoreError) WithDetail(key string, value any) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds a CoreError of the given kind.
func New(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing the cause. A nil cause
// yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) *CoreError {
	if cause == nil {
		return nil
	}
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validation builds a caller-input error.
func Validation(format string, args ...any) *CoreError { return New(KindValidation, format, args...) }

// NotFound builds an absent-entity error.
func NotFound(format string, args ...any) *CoreError { return New(KindNotFound, format, args...) }

// Conflict builds a unique-constraint or version-conflict error.
func Conflict(format string, args ...any) *CoreError { return New(KindConflict, format, args...) }

// Unavailable builds an unreachable-backend error.
func Unavailable(format string, args ...any) *CoreError {
	return New(KindUnavailable, format, args...)
}

// Timeout builds a deadline-exceeded error.
func Timeout(format string, args ...any) *CoreError { return New(KindTimeout, format, args...) }

// Internal builds an unclassified error.
func Internal(format string, args ...any) *CoreError { return New(KindInternal, format, args...) }

// KindOf extracts the semantic kind from any error. Unclassified errors
// report KindInternal; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool { return stderrors.As(err, target) }

// IsNotFound reports whether err is an absent-entity error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsRetryable reports whether the error kind indicates a transient
// condition worth retrying at the adapter layer.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the HTTP status the transport layer
// should emit.
func HTTPStatus(err error) int {
	switch KindOf(err) {
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
	case KindResourceExhausted, KindRecursionBlocked:
		return http.StatusTooManyRequests
	case KindQuorumNotMet, KindPartialFailure, KindCompensationFailure:
		return http.StatusBadGateway
	case KindIntegrityFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
