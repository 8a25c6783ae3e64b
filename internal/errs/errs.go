/*
Package errs holds the error taxonomy shared by the stock ledger, the
reconciliation engine and the HTTP layer.

Sentinels are matched with errors.Is; the structured types carry the
numbers shown to operators and unwrap to their sentinel.

	ValidationError     malformed or out-of-range input, rejected before side effects
	InsufficientStock   business rule violation, recoverable, includes the available amount
	NotFound            unknown product or row
	Forbidden           role check against the role store failed
	Indeterminate       timeout with unknown outcome, caller should re-check stock
	PersistenceFailure  downstream store error
*/
package errs

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrIndeterminate     = errors.New("outcome indeterminate")
	ErrPersistence       = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field string, value any, message string) error {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// InsufficientStockError reports how much stock was actually available at
// the location the operation drew from.
type InsufficientStockError struct {
	ProductID string
	Location  string // "warehouse" or "shelf"
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient %s stock for product %s: available %d, requested %d",
		e.Location, e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e *ForbiddenError) Error() string {
	if e.ActorID == "" {
		return "forbidden: " + e.Reason
	}
	return fmt.Sprintf("forbidden for %s: %s", e.ActorID, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

func Forbidden(actorID, reason string) error {
	return &ForbiddenError{ActorID: actorID, Reason: reason}
}

// IndeterminateError means the store did not answer in time. The write may
// or may not have been applied.
type IndeterminateError struct {
	Op        string
	ProductID string
	Err       error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("%s on product %s timed out, outcome unknown: re-check stock before retrying", e.Op, e.ProductID)
}

func (e *IndeterminateError) Unwrap() []error { return []error{ErrIndeterminate, e.Err} }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func Persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsTimeout reports whether err came from an expired per-call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to caller input or a
// business rule the caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden)
}

// IsRetryable is true only for failures that are safe to retry blindly.
// Indeterminate ledger writes are not: the first attempt may have applied.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrIndeterminate) {
		return false
	}
	return errors.Is(err, ErrPersistence)
}
