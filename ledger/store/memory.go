// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/access-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	courses     map[ledger.CourseID]ledger.Course
	lessons     map[ledger.LessonID]ledger.Lesson
	resources   map[ledger.ResourceID]ledger.Resource
	enrollments map[enrollmentKey]ledger.Enrollment
	progress    map[progressKey]ledger.LessonProgress
	purchases   map[string]ledger.Purchase // by transaction id
}

type enrollmentKey struct {
	UserID   ledger.UserID
	CourseID ledger.CourseID
}

type progressKey struct {
	UserID   ledger.UserID
	LessonID ledger.LessonID
}

func NewMemory() *Memory {
	return &Memory{
		courses:     make(map[ledger.CourseID]ledger.Course),
		lessons:     make(map[ledger.LessonID]ledger.Lesson),
		resources:   make(map[ledger.ResourceID]ledger.Resource),
		enrollments: make(map[enrollmentKey]ledger.Enrollment),
		progress:    make(map[progressKey]ledger.LessonProgress),
		purchases:   make(map[string]ledger.Purchase),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) SaveCourse(_ context.Context, course ledger.Course) error {
	if err := ledger.ValidateLessonOrder(course.ID, course.Lessons); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.courses[course.ID]; ok && !ledger.SameLessonSequence(existing.Lessons, course.Lessons) {
		return ledger.ErrInvalidCatalog
	}
	for _, l := range course.Lessons {
		if other, ok := m.lessons[l.ID]; ok && other.CourseID != course.ID {
			return ledger.ErrInvalidCatalog
		}
	}

	lessons := make([]ledger.Lesson, len(course.Lessons))
	for i, l := range course.Lessons {
		l.CourseID = course.ID
		lessons[i] = l
		m.lessons[l.ID] = l
	}
	sortLessons(lessons)
	course.Lessons = lessons
	m.courses[course.ID] = course
	return nil
}

func (m *Memory) GetCourse(_ context.Context, id ledger.CourseID) (*ledger.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.courses[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c.Lessons = append([]ledger.Lesson(nil), c.Lessons...)
	return &c, nil
}

func (m *Memory) ListCourses(_ context.Context) ([]ledger.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Course, 0, len(m.courses))
	for _, c := range m.courses {
		c.Lessons = append([]ledger.Lesson(nil), c.Lessons...)
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetLesson(_ context.Context, id ledger.LessonID) (*ledger.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lessons[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &l, nil
}

func (m *Memory) ListLessons(_ context.Context, courseID ledger.CourseID) ([]ledger.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.courses[courseID]
	if !ok {
		return nil, nil
	}
	return append([]ledger.Lesson(nil), c.Lessons...), nil
}

func (m *Memory) SaveResource(_ context.Context, r ledger.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
	return nil
}

func (m *Memory) GetResource(_ context.Context, id ledger.ResourceID) (*ledger.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &r, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func (m *Memory) InsertEnrollment(_ context.Context, e ledger.Enrollment) (ledger.Enrollment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := enrollmentKey{UserID: e.UserID, CourseID: e.CourseID}
	if existing, ok := m.enrollments[k]; ok {
		return existing, false, nil
	}
	m.enrollments[k] = e
	return e, true, nil
}

func (m *Memory) GetEnrollment(_ context.Context, userID ledger.UserID, courseID ledger.CourseID) (*ledger.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.enrollments[enrollmentKey{UserID: userID, CourseID: courseID}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) ListEnrollments(_ context.Context, userID ledger.UserID) ([]ledger.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Enrollment
	for k, e := range m.enrollments {
		if k.UserID == userID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// =============================================================================
// PROGRESS
// =============================================================================

func (m *Memory) InsertLessonProgress(_ context.Context, p ledger.LessonProgress) (ledger.LessonProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := progressKey{UserID: p.UserID, LessonID: p.LessonID}
	if existing, ok := m.progress[k]; ok {
		return existing, false, nil
	}
	if l, ok := m.lessons[p.LessonID]; ok {
		p.CourseID = l.CourseID
	}
	m.progress[k] = p
	return p, true, nil
}

func (m *Memory) CompletedLessons(_ context.Context, userID ledger.UserID, courseID ledger.CourseID) ([]ledger.LessonProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.LessonProgress
	for k, p := range m.progress {
		if k.UserID != userID {
			continue
		}
		if l, ok := m.lessons[k.LessonID]; ok && l.CourseID == courseID {
			result = append(result, p)
		}
	}
	return result, nil
}

// =============================================================================
// PURCHASE
// =============================================================================

func (m *Memory) InsertPurchase(_ context.Context, p ledger.Purchase) (ledger.Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.purchases[p.TransactionID]; ok {
		return clonePurchase(existing), false, nil
	}
	p = clonePurchase(p)
	m.purchases[p.TransactionID] = p
	return clonePurchase(p), true, nil
}

func (m *Memory) GetPurchaseByTransaction(_ context.Context, transactionID string) (*ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[transactionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	p = clonePurchase(p)
	return &p, nil
}

func (m *Memory) TransitionPurchase(_ context.Context, transactionID string, from, to ledger.PurchaseStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[transactionID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	m.purchases[transactionID] = p
	return true, nil
}

func (m *Memory) FindCompletedPurchase(_ context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *ledger.Purchase
	for _, p := range m.purchases {
		if p.UserID != userID || p.Item != item || p.Status != ledger.PurchaseCompleted {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			c := clonePurchase(p)
			found = &c
		}
	}
	if found == nil {
		return nil, ledger.ErrNotFound
	}
	return found, nil
}

func (m *Memory) ListPurchases(_ context.Context, userID ledger.UserID) ([]ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			result = append(result, clonePurchase(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) UnenrolledCoursePurchases(_ context.Context, limit int) ([]ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Purchase
	for _, p := range m.purchases {
		if p.Status != ledger.PurchaseCompleted || p.Item.Kind != ledger.ItemCourse {
			continue
		}
		k := enrollmentKey{UserID: p.UserID, CourseID: ledger.CourseID(p.Item.ID)}
		if _, ok := m.enrollments[k]; ok {
			continue
		}
		result = append(result, clonePurchase(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sortLessons(lessons []ledger.Lesson) {
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].Order < lessons[j].Order })
}

func clonePurchase(p ledger.Purchase) ledger.Purchase {
	if p.Metadata != nil {
		md := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		p.Metadata = md
	}
	return p
}
