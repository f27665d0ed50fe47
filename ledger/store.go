/*
store.go - Persistence interface for enrollments, progress and purchases

PURPOSE:
  Defines the boundary between the access engine and the database (the
  Ledger Store). Implementations carry no business logic; they persist
  records and enforce uniqueness.

KEY INTERFACES:
  CatalogStore:    Courses, lessons, resources (read by the engine, written by admin import)
  EnrollmentStore: Enrollment records
  ProgressStore:   LessonProgress records
  PurchaseStore:   Purchase records and status transitions
  Store:           All of the above

INSERT-IF-ABSENT:
  Two concurrent enroll or markComplete calls for the same pair are a
  realistic race (double-click, client retry after timeout). Uniqueness
  is therefore enforced by the Store atomically:
  - Insert*() writes the row only if no row exists for its unique key
  - it ALWAYS returns the stored row, whether it was just created or not
  - the loser of a race gets the winner's row and created=false, never an error

NO DELETES:
  There is no Delete for Enrollment, LessonProgress or Purchase.
  Purchases change only through TransitionPurchase.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/gormstore/gormstore.go: GORM (Postgres in production)
  - ledger/store/memory.go: In-memory for tests
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// CATALOG
// =============================================================================

type CatalogStore interface {
	// SaveCourse upserts a course and its lessons. Implementations reject
	// changes to the lesson sequence of an existing course with ErrInvalidCatalog.
	SaveCourse(ctx context.Context, course Course) error

	// GetCourse returns the course with lessons ordered by Order, or ErrNotFound.
	GetCourse(ctx context.Context, id CourseID) (*Course, error)

	ListCourses(ctx context.Context) ([]Course, error)

	// GetLesson returns a lesson or ErrNotFound.
	GetLesson(ctx context.Context, id LessonID) (*Lesson, error)

	// ListLessons returns a course's lessons ordered by Order.
	ListLessons(ctx context.Context, courseID CourseID) ([]Lesson, error)

	SaveResource(ctx context.Context, resource Resource) error

	// GetResource returns a resource or ErrNotFound.
	GetResource(ctx context.Context, id ResourceID) (*Resource, error)
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollmentStore interface {
	// InsertEnrollment creates e unless (UserID, CourseID) exists.
	// Returns the stored row and whether this call created it.
	InsertEnrollment(ctx context.Context, e Enrollment) (Enrollment, bool, error)

	// GetEnrollment returns the enrollment or ErrNotFound.
	GetEnrollment(ctx context.Context, userID UserID, courseID CourseID) (*Enrollment, error)

	ListEnrollments(ctx context.Context, userID UserID) ([]Enrollment, error)
}

// =============================================================================
// PROGRESS
// =============================================================================

type ProgressStore interface {
	// InsertLessonProgress creates p unless (UserID, LessonID) exists.
	// The first CompletedAt wins; returns the stored row and whether it was created.
	InsertLessonProgress(ctx context.Context, p LessonProgress) (LessonProgress, bool, error)

	// CompletedLessons returns the user's progress rows for lessons of courseID.
	CompletedLessons(ctx context.Context, userID UserID, courseID CourseID) ([]LessonProgress, error)
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseStore interface {
	// InsertPurchase creates p unless its TransactionID exists.
	// Returns the stored row and whether this call created it.
	InsertPurchase(ctx context.Context, p Purchase) (Purchase, bool, error)

	// GetPurchaseByTransaction returns the purchase or ErrNotFound.
	GetPurchaseByTransaction(ctx context.Context, transactionID string) (*Purchase, error)

	// TransitionPurchase sets status to `to` only if it is currently `from`,
	// as one atomic conditional update. Returns whether the row changed.
	TransitionPurchase(ctx context.Context, transactionID string, from, to PurchaseStatus, at time.Time) (bool, error)

	// FindCompletedPurchase returns the earliest COMPLETED purchase of item by
	// user, or ErrNotFound.
	FindCompletedPurchase(ctx context.Context, userID UserID, item ItemRef) (*Purchase, error)

	ListPurchases(ctx context.Context, userID UserID) ([]Purchase, error)

	// UnenrolledCoursePurchases returns COMPLETED course purchases whose buyer
	// has no enrollment in that course, oldest first, at most limit rows.
	UnenrolledCoursePurchases(ctx context.Context, limit int) ([]Purchase, error)
}

// Store is the full Ledger Store.
type Store interface {
	CatalogStore
	EnrollmentStore
	ProgressStore
	PurchaseStore
}
