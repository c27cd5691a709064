package errorbank

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind enumerates supported application error categories.
type Kind string

const (
	// KindInvalidState marks operations rejected by a domain invariant
	// (empty-item save, undispatched-only cancel). Not retryable.
	KindInvalidState Kind = "invalid_state"
	// KindTransientIO marks remote store or station communication failures.
	// Recovered locally, never surfaced as data loss.
	KindTransientIO Kind = "transient_io"
	// KindPermissionDenied marks privileged operations attempted by a
	// non-privileged actor.
	KindPermissionDenied Kind = "permission_denied"
	// KindConsistencyDrift marks a count mismatch that survived one
	// auto-recovery attempt.
	KindConsistencyDrift Kind = "consistency_drift"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// AppError captures rich error context shared across transports.
type AppError struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

// Option mutates an AppError during construction.
type Option func(*AppError)

// WithCause attaches an underlying error.
func WithCause(err error) Option {
	return func(appErr *AppError) {
		appErr.cause = err
	}
}

// WithDetail adds a single named detail value.
func WithDetail(key string, value any) Option {
	return func(appErr *AppError) {
		if appErr.details == nil {
			appErr.details = make(map[string]any)
		}
		appErr.details[key] = value
	}
}

// WithDetails merges multiple detail values.
func WithDetails(details map[string]any) Option {
	return func(appErr *AppError) {
		if len(details) == 0 {
			return
		}
		if appErr.details == nil {
			appErr.details = make(map[string]any)
		}
		for k, v := range details {
			appErr.details[k] = v
		}
	}
}

// New constructs a new AppError with the supplied kind and message.
func New(kind Kind, message string, opts ...Option) *AppError {
	if message == "" {
		message = string(kind)
	}
	appErr := &AppError{kind: kind, message: message}
	for _, opt := range opts {
		opt(appErr)
	}
	return appErr
}

// Error satisfies the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Kind returns the error category.
func (e *AppError) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

// Message returns the human-readable message.
func (e *AppError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Details returns optional metadata about the error.
func (e *AppError) Details() map[string]any {
	if e == nil {
		return nil
	}
	return e.details
}

// StatusCode resolves the HTTP status for the error kind.
func (e *AppError) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.kind {
	case KindInvalidState:
		return http.StatusUnprocessableEntity
	case KindTransientIO:
		return http.StatusServiceUnavailable
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConsistencyDrift:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the error kind onto a gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if e == nil {
		return codes.Internal
	}
	switch e.kind {
	case KindInvalidState:
		return codes.FailedPrecondition
	case KindTransientIO:
		return codes.Unavailable
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindConsistencyDrift:
		return codes.Aborted
	case KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// InvalidState constructs an invariant-violation error.
func InvalidState(message string, opts ...Option) *AppError {
	return New(KindInvalidState, message, opts...)
}

// TransientIO constructs a recoverable communication error.
func TransientIO(message string, opts ...Option) *AppError {
	return New(KindTransientIO, message, opts...)
}

// PermissionDenied constructs a privilege rejection error.
func PermissionDenied(message string, opts ...Option) *AppError {
	return New(KindPermissionDenied, message, opts...)
}

// Drift constructs an unresolved consistency-drift error.
func Drift(message string, opts ...Option) *AppError {
	return New(KindConsistencyDrift, message, opts...)
}

// NotFound constructs a 404 error.
func NotFound(message string, opts ...Option) *AppError {
	return New(KindNotFound, message, opts...)
}

// Internal constructs a generic 500 error.
func Internal(message string, opts ...Option) *AppError {
	return New(KindInternal, message, opts...)
}

// From returns an AppError for any error input, wrapping unexpected values.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", WithCause(err))
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Kind() == kind
}
