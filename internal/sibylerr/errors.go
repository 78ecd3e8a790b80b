// Package sibylerr defines the error kinds surfaced by the core.
// Adapters wrap backing-store errors with fmt.Errorf's %w verb; callers
// recover the Kind with errors.As.
package sibylerr

import (
	"errors"
	"fmt"
)

// Kind is one of the ten error categories the core surfaces.
type Kind string

const (
	KindTenantMissing Kind = "tenant_missing"
	KindNotFound Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindLockTimeout Kind = "lock_timeout"
	KindTimeout Kind = "timeout"
	KindConflict Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindDependencyCycle Kind = "dependency_cycle"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindValidation Kind = "validation"
)

// Error is the structured error value threaded through the core.
type Error struct {
	Kind Kind
	Message string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an upstream cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether the first *Error in err's chain has the given
// Kind; an *Error wrapped further inside that one is not checked.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func TenantMissing(op string) *Error {
	return New(KindTenantMissing, fmt.Sprintf("%s requires a tenant context", op))
}

func NotFound(kind, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", kind, id))
}

func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, fmt.Sprintf("cannot transition %s -> %s", from, to))
}

func LockTimeout(tenantID, entityID string) *Error {
	return New(KindLockTimeout, fmt.Sprintf("could not acquire lock on %s/%s within wait budget", tenantID, entityID))
}

func Timeout(op string) *Error {
	return New(KindTimeout, fmt.Sprintf("%s exceeded its deadline", op))
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

func DependencyCycle(taskID string) *Error {
	return New(KindDependencyCycle, fmt.Sprintf("adding this dependency would create a cycle through %s", taskID))
}

func UpstreamUnavailable(system string, cause error) *Error {
	return Wrap(KindUpstreamUnavailable, fmt.Sprintf("%s unreachable", system), cause)
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Truncate bounds an error message for storage in an entity's
// error_message field.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
