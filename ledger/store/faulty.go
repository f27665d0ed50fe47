package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/access-engine/ledger"
)

// ErrInjected is returned by Faulty in place of a real I/O failure.
var ErrInjected = errors.New("injected store failure")

// Faulty wraps a Store and fails the next N calls with ErrInjected.
// Used to exercise transient-failure handling.
type Faulty struct {
	ledger.Store

	mu       sync.Mutex
	failures int
	calls    int
}

func NewFaulty(inner ledger.Store) *Faulty {
	return &Faulty{Store: inner}
}

// FailNext makes the next n store calls fail.
func (f *Faulty) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// Calls returns how many store calls were made.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Faulty) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return ErrInjected
	}
	return nil
}

func (f *Faulty) SaveCourse(ctx context.Context, c ledger.Course) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.SaveCourse(ctx, c)
}

func (f *Faulty) GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetCourse(ctx, id)
}

func (f *Faulty) ListCourses(ctx context.Context) ([]ledger.Course, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListCourses(ctx)
}

func (f *Faulty) GetLesson(ctx context.Context, id ledger.LessonID) (*ledger.Lesson, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetLesson(ctx, id)
}

func (f *Faulty) ListLessons(ctx context.Context, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListLessons(ctx, courseID)
}

func (f *Faulty) SaveResource(ctx context.Context, r ledger.Resource) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.SaveResource(ctx, r)
}

func (f *Faulty) GetResource(ctx context.Context, id ledger.ResourceID) (*ledger.Resource, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetResource(ctx, id)
}

func (f *Faulty) InsertEnrollment(ctx context.Context, e ledger.Enrollment) (ledger.Enrollment, bool, error) {
	if err := f.fail(); err != nil {
		return ledger.Enrollment{}, false, err
	}
	return f.Store.InsertEnrollment(ctx, e)
}

func (f *Faulty) GetEnrollment(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (*ledger.Enrollment, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetEnrollment(ctx, userID, courseID)
}

func (f *Faulty) ListEnrollments(ctx context.Context, userID ledger.UserID) ([]ledger.Enrollment, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListEnrollments(ctx, userID)
}

func (f *Faulty) InsertLessonProgress(ctx context.Context, p ledger.LessonProgress) (ledger.LessonProgress, bool, error) {
	if err := f.fail(); err != nil {
		return ledger.LessonProgress{}, false, err
	}
	return f.Store.InsertLessonProgress(ctx, p)
}

func (f *Faulty) CompletedLessons(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) ([]ledger.LessonProgress, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.CompletedLessons(ctx, userID, courseID)
}

func (f *Faulty) InsertPurchase(ctx context.Context, p ledger.Purchase) (ledger.Purchase, bool, error) {
	if err := f.fail(); err != nil {
		return ledger.Purchase{}, false, err
	}
	return f.Store.InsertPurchase(ctx, p)
}

func (f *Faulty) GetPurchaseByTransaction(ctx context.Context, transactionID string) (*ledger.Purchase, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.GetPurchaseByTransaction(ctx, transactionID)
}

func (f *Faulty) TransitionPurchase(ctx context.Context, transactionID string, from, to ledger.PurchaseStatus, at time.Time) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.Store.TransitionPurchase(ctx, transactionID, from, to, at)
}

func (f *Faulty) FindCompletedPurchase(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.FindCompletedPurchase(ctx, userID, item)
}

func (f *Faulty) ListPurchases(ctx context.Context, userID ledger.UserID) ([]ledger.Purchase, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListPurchases(ctx, userID)
}

func (f *Faulty) UnenrolledCoursePurchases(ctx context.Context, limit int) ([]ledger.Purchase, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.UnenrolledCoursePurchases(ctx, limit)
}
