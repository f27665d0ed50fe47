/*
errors.go - Centralized error types for the access engine

ERROR CATEGORIES:
  1. Denials - expected outcomes the user can remedy (pay, enroll, finish
     the previous lesson). Never retried.
  2. Catalog/input errors - unknown ids, malformed catalog, bad transitions.
  3. Everything else coming out of a Store is an I/O failure and is
     treated as transient by the access façade.

USAGE:
    if errors.Is(err, ledger.ErrLessonLocked) {
        var locked *ledger.LessonLockedError
        errors.As(err, &locked) // which lesson blocks it
    }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPaymentRequired: enroll/access on a paid item without a completed purchase.
	ErrPaymentRequired = errors.New("payment required")

	// ErrNotEnrolled: progress operation on a course the user never enrolled in.
	ErrNotEnrolled = errors.New("not enrolled")

	// ErrLessonLocked: completion attempted out of sequence.
	ErrLessonLocked = errors.New("lesson locked")

	// ErrNotFound: unknown course, lesson, resource, enrollment or purchase.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: purchase status change not allowed from current status.
	ErrInvalidTransition = errors.New("invalid purchase status transition")

	// ErrAmountMismatch: purchase intent amount differs from the item price.
	ErrAmountMismatch = errors.New("amount does not match item price")

	// ErrNotPurchasable: purchase intent for a free item.
	ErrNotPurchasable = errors.New("item is not purchasable")

	// ErrTransactionConflict: a transaction id reused for another user or item.
	ErrTransactionConflict = errors.New("transaction id already used for a different purchase")

	// ErrInvalidCatalog: lesson order not contiguous, duplicate ids, or a
	// published lesson sequence being changed.
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LessonLockedError names the lesson that must be completed first.
type LessonLockedError struct {
	UserID           UserID
	LessonID         LessonID
	BlockingLessonID LessonID
}

func (e *LessonLockedError) Error() string {
	return fmt.Sprintf("lesson %s locked: complete lesson %s first", e.LessonID, e.BlockingLessonID)
}

func (e *LessonLockedError) Unwrap() error { return ErrLessonLocked }

// PaymentRequiredError names the item that needs a completed purchase.
type PaymentRequiredError struct {
	UserID UserID
	Item   ItemRef
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required for %s", e.Item)
}

func (e *PaymentRequiredError) Unwrap() error { return ErrPaymentRequired }

// NotEnrolledError names the course the user is missing.
type NotEnrolledError struct {
	UserID   UserID
	CourseID CourseID
}

func (e *NotEnrolledError) Error() string {
	return fmt.Sprintf("user %s not enrolled in course %s", e.UserID, e.CourseID)
}

func (e *NotEnrolledError) Unwrap() error { return ErrNotEnrolled }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDenial reports whether err is one of the user-remediable access outcomes.
func IsDenial(err error) bool {
	return errors.Is(err, ErrPaymentRequired) ||
		errors.Is(err, ErrNotEnrolled) ||
		errors.Is(err, ErrLessonLocked)
}

// IsDomainError reports whether err is a known engine outcome rather than an
// I/O failure.
func IsDomainError(err error) bool {
	return IsDenial(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrNotPurchasable) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrInvalidCatalog)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient returns true if the error might succeed on retry.
// Cancellation is the caller giving up, not the store failing.
func IsTransient(err error) bool {
	if err == nil || IsDomainError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
