// Package apperror defines the error taxonomy shared by every layer.
//
// Each kind is a sentinel error. Constructors wrap the sentinel in an
// *AppError carrying the user-facing message, so callers match kinds with
// errors.Is and read messages with errors.As:
//
//	if errors.Is(err, apperror.ErrBudgetExceeded) { ... }
//
// The HTTP layer is the only place kinds are translated to status codes.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("conflict")
	ErrForbidden      = errors.New("forbidden")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrWrite          = errors.New("write failed")
	ErrSync           = errors.New("sync failed")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // human-readable error message
	Field   string // optional: field causing the error
	Cause   error  // optional: underlying failure, never shown to users
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// RecordMissing is the NotFoundError surfaced when an authenticated
// identity has no ledger record.
func RecordMissing() *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: "User data not found. Please sign up or contact support.",
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Busy reports that an operation of the same kind is still in flight.
func Busy(operation string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s already in progress", operation),
		Field:   operation,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is the identity provider's rejection (bad credentials,
// missing or expired session).
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// BudgetExceeded rejects an expense that would push total expenses past
// the budget. remaining is the headroom the check was made against.
func BudgetExceeded(amount, remaining int64) *AppError {
	return &AppError{
		Err:     ErrBudgetExceeded,
		Message: fmt.Sprintf("Expense exceeds remaining budget! (amount %d, remaining %d)", amount, remaining),
		Field:   "amount",
	}
}

// WriteFailed wraps a document store failure. Local state is left as is.
func WriteFailed(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrWrite,
		Message: message,
		Cause:   cause,
	}
}

// SyncFailed wraps a subscription transport failure; the local view is stale.
func SyncFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrSync,
		Message: "Failed to load data in real-time. Please try again.",
		Cause:   cause,
	}
}

// WithMessage returns a copy of e with a different user-facing message.
func (e *AppError) WithMessage(message string) *AppError {
	c := *e
	c.Message = message
	return &c
}

// WithCause returns a copy of e carrying cause for logs and errors.Is.
func (e *AppError) WithCause(cause error) *AppError {
	c := *e
	c.Cause = cause
	return &c
}
