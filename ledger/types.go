/*
Package ledger provides the records and persistence contract of the access engine.

PURPOSE:
  Holds the durable records that decide who may view what: Enrollment,
  LessonProgress and Purchase, plus the read-only catalog they refer to
  (Course, Lesson, Resource). Nothing in this package makes decisions.
  Access, unlock state and progress are always derived from these records
  by the enrollment, purchase, progress and access packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers: UserID, CourseID, LessonID, ResourceID, PurchaseID
  - ItemRef: what a Purchase pays for (a course or a resource)
  - Catalog: Course (ordered Lessons), Resource
  - Records: Enrollment, LessonProgress, Purchase

DESIGN PRINCIPLES:
  1. Records are never deleted and never "uncompleted"
  2. Money uses decimal.Decimal, never float64
  3. Uniqueness lives in the Store (insert-if-absent), not in callers
  4. Locked/unlocked is never stored, only derived

SEE ALSO:
  - store.go: Store interfaces
  - errors.go: Sentinel and structured errors
  - store/memory.go: In-memory Store
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CourseID string
type LessonID string
type ResourceID string
type PurchaseID string

// Role is carried for identity only. No decision in this engine depends on it
// except admin-only catalog maintenance.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// =============================================================================
// ITEM REFERENCE - What a purchase pays for
// =============================================================================

type ItemKind string

const (
	ItemCourse   ItemKind = "course"
	ItemResource ItemKind = "resource"
)

// ItemRef identifies a purchasable item.
type ItemRef struct {
	Kind ItemKind
	ID   string
}

func CourseRef(id CourseID) ItemRef     { return ItemRef{Kind: ItemCourse, ID: string(id)} }
func ResourceRef(id ResourceID) ItemRef { return ItemRef{Kind: ItemResource, ID: string(id)} }

func (r ItemRef) String() string { return string(r.Kind) + ":" + r.ID }
func (r ItemRef) IsZero() bool   { return r.Kind == "" && r.ID == "" }

// ParseItemRef parses "course:<id>" or "resource:<id>".
func ParseItemRef(s string) (ItemRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ItemRef{}, fmt.Errorf("invalid item reference %q", s)
	}
	switch ItemKind(kind) {
	case ItemCourse, ItemResource:
		return ItemRef{Kind: ItemKind(kind), ID: id}, nil
	}
	return ItemRef{}, fmt.Errorf("invalid item kind %q", kind)
}

// =============================================================================
// CATALOG - Read-only for the engine
// =============================================================================

// Course is a free or priced learning unit with an ordered lesson sequence.
// Lesson orders are unique and contiguous (1..N).
type Course struct {
	ID       CourseID
	Title    string
	IsFree   bool
	PriceUSD decimal.Decimal
	Lessons  []Lesson
}

// Lesson belongs to exactly one course. Order is its 1-based position.
type Lesson struct {
	ID        LessonID
	CourseID  CourseID
	Title     string
	Order     int
	IsPreview bool
}

// Resource is a standalone free or premium content item.
type Resource struct {
	ID        ResourceID
	Title     string
	IsPremium bool
	PriceUSD  decimal.Decimal
}

// ValidateLessonOrder checks that lesson orders are exactly 1..N and that
// every lesson belongs to courseID.
func ValidateLessonOrder(courseID CourseID, lessons []Lesson) error {
	seen := make(map[int]bool, len(lessons))
	ids := make(map[LessonID]bool, len(lessons))
	for _, l := range lessons {
		if l.ID == "" {
			return fmt.Errorf("%w: course %s has a lesson without id", ErrInvalidCatalog, courseID)
		}
		if ids[l.ID] {
			return fmt.Errorf("%w: duplicate lesson id %s", ErrInvalidCatalog, l.ID)
		}
		ids[l.ID] = true
		if l.CourseID != "" && l.CourseID != courseID {
			return fmt.Errorf("%w: lesson %s belongs to course %s", ErrInvalidCatalog, l.ID, l.CourseID)
		}
		if l.Order < 1 || l.Order > len(lessons) {
			return fmt.Errorf("%w: lesson %s order %d outside 1..%d", ErrInvalidCatalog, l.ID, l.Order, len(lessons))
		}
		if seen[l.Order] {
			return fmt.Errorf("%w: duplicate lesson order %d in course %s", ErrInvalidCatalog, l.Order, courseID)
		}
		seen[l.Order] = true
	}
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

// Enrollment grants a user standing access to a course's content.
// At most one per (UserID, CourseID).
type Enrollment struct {
	UserID              UserID
	CourseID            CourseID
	CreatedAt           time.Time
	SourceTransactionID string // empty for free enrollments
}

// LessonProgress records the completion of one lesson by one user.
// Rows exist only once the lesson is completed, so CompletedAt is always set.
// At most one per (UserID, LessonID); never updated.
type LessonProgress struct {
	UserID      UserID
	LessonID    LessonID
	CourseID    CourseID
	CompletedAt time.Time
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseFailed    PurchaseStatus = "FAILED"
	PurchaseRefunded  PurchaseStatus = "REFUNDED"
)

// CanTransitionTo reports whether a purchase in status s may move to next.
//
//	PENDING   -> COMPLETED | FAILED
//	COMPLETED -> REFUNDED
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	switch s {
	case PurchasePending:
		return next == PurchaseCompleted || next == PurchaseFailed
	case PurchaseCompleted:
		return next == PurchaseRefunded
	}
	return false
}

func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchaseCompleted, PurchaseFailed, PurchaseRefunded:
		return true
	}
	return false
}

// Purchase records a monetary transaction for a priced item.
// Only status COMPLETED grants access.
type Purchase struct {
	ID            PurchaseID
	UserID        UserID
	Item          ItemRef
	AmountUSD     decimal.Decimal
	Status        PurchaseStatus
	TransactionID string // provider transaction id, unique
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Metadata      map[string]string
}

func (p Purchase) GrantsAccess() bool { return p.Status == PurchaseCompleted }

// SameLessonSequence reports whether a and b place the same lesson ids at the
// same orders. Published sequences may not change.
func SameLessonSequence(a, b []Lesson) bool {
	if len(a) != len(b) {
		return false
	}
	byOrder := make(map[int]LessonID, len(a))
	for _, l := range a {
		byOrder[l.Order] = l.ID
	}
	for _, l := range b {
		if id, ok := byOrder[l.Order]; !ok || id != l.ID {
			return false
		}
	}
	return true
}
