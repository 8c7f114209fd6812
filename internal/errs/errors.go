package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind categorizes errors for caller discrimination. Callers switch on the
// kind, never on message text.
type Kind string

const (
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindInvalidState       Kind = "INVALID_STATE"
	KindAtCapacity         Kind = "AT_CAPACITY"
	KindClosed             Kind = "CLOSED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindTransient          Kind = "TRANSIENT"
	KindNotificationFailed Kind = "NOTIFICATION_FAILED"
)

// Error is the structured error carried across component boundaries
type Error struct {
	Kind     Kind           `json:"kind"`
	Message  string         `json:"message"`
	EntityID uuid.UUID      `json:"entityId,omitempty"`
	TenantID uuid.UUID      `json:"tenantId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithEntity annotates the error with the entity it concerns
func (e *Error) WithEntity(id uuid.UUID) *Error {
	e.EntityID = id
	return e
}

// WithTenant annotates the error with the tenant it concerns
func (e *Error) WithTenant(id uuid.UUID) *Error {
	e.TenantID = id
	return e
}

// WithData attaches structured context to the error
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the kind from an error chain.
// Unclassified errors report as TRANSIENT: anything a component did not
// deliberately categorize is treated as infrastructure trouble.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Convenience constructors for the common kinds

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error    { return New(KindForbidden, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Conflict(message string) *Error     { return New(KindConflict, message) }
func Invalid(message string) *Error      { return New(KindInvalidArgument, message) }
func InvalidState(message string) *Error { return New(KindInvalidState, message) }
func Closed(message string) *Error       { return New(KindClosed, message) }
func AtCapacity(message string) *Error   { return New(KindAtCapacity, message) }
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}
