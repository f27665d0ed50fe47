/*
Package enrollment records the relationship "user X has access to course Y".

INVARIANT:
  At most one Enrollment per (user, course). Enroll is idempotent: a second
  call returns the first record unchanged, never a duplicate and never an
  error. Concurrent calls are resolved by the store's insert-if-absent.

PAID COURSES:
  A paid course may only be enrolled after a COMPLETED purchase exists.
  Enroll checks this itself and fails with PaymentRequiredError otherwise,
  so a caller forgetting the purchase check cannot grant access.

SEE ALSO:
  - purchase/gate.go: Source of truth for "has paid"
  - access/controller.go: Auto-enrolls on first authorized view
  - api/scheduler.go: Runs Reconcile on a cron schedule
*/
package enrollment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/access-engine/ledger"
)

// Source says what triggered an enrollment. Logged, not stored.
type Source string

const (
	SourceFreeStart Source = "free_start"
	SourceView      Source = "view"
	SourcePurchase  Source = "purchase"
	SourceReconcile Source = "reconcile"
)

// PurchaseChecker finds the completed purchase backing a paid enrollment.
type PurchaseChecker interface {
	// CompletedPurchase returns ledger.ErrNotFound when none exists.
	CompletedPurchase(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error)
}

// Store is what the service needs from the Ledger Store.
type Store interface {
	GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error)
	UnenrolledCoursePurchases(ctx context.Context, limit int) ([]ledger.Purchase, error)
	ledger.EnrollmentStore
}

// Service creates and reads enrollments. It is the only writer of Enrollment rows.
type Service struct {
	store     Store
	purchases PurchaseChecker

	Now    func() time.Time
	Logger *slog.Logger
}

func NewService(store Store, purchases PurchaseChecker) *Service {
	return &Service{
		store:     store,
		purchases: purchases,
		Now:       time.Now,
		Logger:    slog.Default(),
	}
}

// Enroll returns the existing enrollment for (userID, courseID) or creates one.
// Fails with ledger.ErrNotFound for an unknown course and with
// *ledger.PaymentRequiredError for a paid course without a completed purchase.
func (s *Service) Enroll(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID, source Source) (ledger.Enrollment, error) {
	existing, err := s.store.GetEnrollment(ctx, userID, courseID)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Enrollment{}, err
	}

	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return ledger.Enrollment{}, err
	}

	e := ledger.Enrollment{
		UserID:    userID,
		CourseID:  courseID,
		CreatedAt: s.Now().UTC(),
	}
	if !course.IsFree {
		p, err := s.purchases.CompletedPurchase(ctx, userID, ledger.CourseRef(courseID))
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Enrollment{}, &ledger.PaymentRequiredError{UserID: userID, Item: ledger.CourseRef(courseID)}
		}
		if err != nil {
			return ledger.Enrollment{}, err
		}
		e.SourceTransactionID = p.TransactionID
	}

	stored, created, err := s.store.InsertEnrollment(ctx, e)
	if err != nil {
		return ledger.Enrollment{}, err
	}
	if created {
		s.Logger.InfoContext(ctx, "enrollment created",
			"user_id", userID,
			"course_id", courseID,
			"source", source,
			"source_transaction_id", stored.SourceTransactionID,
		)
	}
	return stored, nil
}

// IsEnrolled reports whether an enrollment exists. No side effects.
func (s *Service) IsEnrolled(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (bool, error) {
	_, err := s.store.GetEnrollment(ctx, userID, courseID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Enrollments lists a user's enrollments.
func (s *Service) Enrollments(ctx context.Context, userID ledger.UserID) ([]ledger.Enrollment, error) {
	return s.store.ListEnrollments(ctx, userID)
}

// =============================================================================
// PURCHASE-DRIVEN ENROLLMENT
// =============================================================================

// OnPurchaseConfirmed enrolls the buyer of a confirmed course purchase.
// Registered with purchase.Gate.OnConfirm.
func (s *Service) OnPurchaseConfirmed(ctx context.Context, p ledger.Purchase) error {
	if p.Item.Kind != ledger.ItemCourse || !p.GrantsAccess() {
		return nil
	}
	_, err := s.Enroll(ctx, p.UserID, ledger.CourseID(p.Item.ID), SourcePurchase)
	return err
}

// ReconcileResult summarizes one Reconcile pass.
type ReconcileResult struct {
	Checked  int
	Enrolled int
	Failed   int
}

// Reconcile enrolls buyers of completed course purchases that have no
// enrollment yet, such as when a confirm listener failed. It never changes
// purchase status. limit <= 0 means no limit.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	var res ReconcileResult
	if limit <= 0 {
		limit = -1
	}
	missing, err := s.store.UnenrolledCoursePurchases(ctx, limit)
	if err != nil {
		return res, err
	}
	for _, p := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		if _, err := s.Enroll(ctx, p.UserID, ledger.CourseID(p.Item.ID), SourceReconcile); err != nil {
			res.Failed++
			s.Logger.ErrorContext(ctx, "reconcile enrollment failed",
				"user_id", p.UserID, "course_id", p.Item.ID, "transaction_id", p.TransactionID, "error", err)
			continue
		}
		res.Enrolled++
	}
	return res, nil
}
