// Package storetest is the behavioural contract every ledger.Store
// implementation runs in its own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/ledger"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) ledger.Store

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func course(id ledger.CourseID, lessons ...ledger.LessonID) ledger.Course {
	c := ledger.Course{ID: id, Title: string(id), IsFree: false, PriceUSD: decimal.RequireFromString("19.99")}
	for i, l := range lessons {
		c.Lessons = append(c.Lessons, ledger.Lesson{ID: l, CourseID: id, Title: string(l), Order: i + 1})
	}
	return c
}

func purchase(tx string, user ledger.UserID, item ledger.ItemRef, at time.Time) ledger.Purchase {
	return ledger.Purchase{
		ID:            ledger.PurchaseID("p-" + tx),
		UserID:        user,
		Item:          item,
		AmountUSD:     decimal.RequireFromString("19.99"),
		Status:        ledger.PurchasePending,
		TransactionID: tx,
		CreatedAt:     at,
		UpdatedAt:     at,
		Metadata:      map[string]string{"provider": "test"},
	}
}

// Run executes the whole contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, newStore) })
	t.Run("CatalogImmutableSequence", func(t *testing.T) { testCatalogImmutable(t, newStore) })
	t.Run("EnrollmentInsertIfAbsent", func(t *testing.T) { testEnrollment(t, newStore) })
	t.Run("EnrollmentConcurrent", func(t *testing.T) { testEnrollmentConcurrent(t, newStore) })
	t.Run("ProgressInsertIfAbsent", func(t *testing.T) { testProgress(t, newStore) })
	t.Run("PurchaseLifecycle", func(t *testing.T) { testPurchase(t, newStore) })
	t.Run("UnenrolledCoursePurchases", func(t *testing.T) { testUnenrolled(t, newStore) })
}

func testCatalog(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCourse(ctx, course("c1", "a", "b", "c")))
	require.NoError(t, s.SaveResource(ctx, ledger.Resource{
		ID: "r1", Title: "R1", IsPremium: true, PriceUSD: decimal.NewFromInt(50),
	}))

	c, err := s.GetCourse(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, c.IsFree)
	assert.True(t, c.PriceUSD.Equal(decimal.RequireFromString("19.99")))
	require.Len(t, c.Lessons, 3)
	assert.Equal(t, ledger.LessonID("c"), c.Lessons[2].ID)

	l, err := s.GetLesson(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, ledger.CourseID("c1"), l.CourseID)
	assert.Equal(t, 2, l.Order)

	lessons, err := s.ListLessons(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, lessons, 3)

	courses, err := s.ListCourses(ctx)
	require.NoError(t, err)
	assert.Len(t, courses, 1)

	r, err := s.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r.IsPremium)
	assert.True(t, r.PriceUSD.Equal(decimal.NewFromInt(50)))

	_, err = s.GetCourse(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetLesson(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetResource(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testCatalogImmutable(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCourse(ctx, course("c1", "a", "b")))

	renamed := course("c1", "a", "b")
	renamed.Title = "Renamed"
	require.NoError(t, s.SaveCourse(ctx, renamed))

	assert.ErrorIs(t, s.SaveCourse(ctx, course("c1", "b", "a")), ledger.ErrInvalidCatalog)
	assert.ErrorIs(t, s.SaveCourse(ctx, course("c1", "a", "b", "x")), ledger.ErrInvalidCatalog)
	assert.ErrorIs(t, s.SaveCourse(ctx, course("c2", "a")), ledger.ErrInvalidCatalog, "lesson a belongs to c1")

	c, err := s.GetCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", c.Title)
	require.Len(t, c.Lessons, 2)
	assert.Equal(t, ledger.LessonID("a"), c.Lessons[0].ID)
}

func testEnrollment(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCourse(ctx, course("c1", "a")))

	first, created, err := s.InsertEnrollment(ctx, ledger.Enrollment{
		UserID: "u1", CourseID: "c1", CreatedAt: t0, SourceTransactionID: "tx-1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.InsertEnrollment(ctx, ledger.Enrollment{
		UserID: "u1", CourseID: "c1", CreatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, second.CreatedAt.Equal(t0))
	assert.Equal(t, "tx-1", second.SourceTransactionID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	got, err := s.GetEnrollment(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.SourceTransactionID)

	_, err = s.GetEnrollment(ctx, "u2", "c1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	list, err := s.ListEnrollments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEnrollmentConcurrent(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCourse(ctx, course("c1", "a")))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.InsertEnrollment(ctx, ledger.Enrollment{
				UserID: "u1", CourseID: "c1", CreatedAt: t0.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func testProgress(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCourse(ctx, course("c1", "a", "b")))
	require.NoError(t, s.SaveCourse(ctx, course("c2", "x")))

	first, created, err := s.InsertLessonProgress(ctx, ledger.LessonProgress{UserID: "u1", LessonID: "a", CompletedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.CourseID("c1"), first.CourseID)

	again, created, err := s.InsertLessonProgress(ctx, ledger.LessonProgress{UserID: "u1", LessonID: "a", CompletedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, again.CompletedAt.Equal(t0), "completion time is never overwritten")

	_, _, err = s.InsertLessonProgress(ctx, ledger.LessonProgress{UserID: "u1", LessonID: "x", CompletedAt: t0})
	require.NoError(t, err)

	done, err := s.CompletedLessons(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ledger.LessonID("a"), done[0].LessonID)

	none, err := s.CompletedLessons(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPurchase(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	item := ledger.CourseRef("c1")

	p, created, err := s.InsertPurchase(ctx, purchase("tx-1", "u1", item, t0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ledger.PurchasePending, p.Status)
	assert.Equal(t, "test", p.Metadata["provider"])

	dup := purchase("tx-1", "u2", item, t0.Add(time.Minute))
	dup.ID = "other"
	p, created, err = s.InsertPurchase(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ledger.UserID("u1"), p.UserID, "stored row is returned")

	_, err = s.FindCompletedPurchase(ctx, "u1", item)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	ok, err := s.TransitionPurchase(ctx, "tx-1", ledger.PurchasePending, ledger.PurchaseCompleted, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionPurchase(ctx, "tx-1", ledger.PurchasePending, ledger.PurchaseFailed, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "conditional update must not apply from a stale status")

	got, err := s.GetPurchaseByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PurchaseCompleted, got.Status)
	assert.True(t, got.AmountUSD.Equal(decimal.RequireFromString("19.99")))
	assert.Equal(t, item, got.Item)

	found, err := s.FindCompletedPurchase(ctx, "u1", item)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", found.TransactionID)

	_, err = s.FindCompletedPurchase(ctx, "u1", ledger.ResourceRef("c1"))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "item kind is part of the key")

	_, err = s.GetPurchaseByTransaction(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	ok, err = s.TransitionPurchase(ctx, "nope", ledger.PurchasePending, ledger.PurchaseCompleted, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListPurchases(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testUnenrolled(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCourse(ctx, course("c1", "a")))

	for _, p := range []ledger.Purchase{
		purchase("tx-1", "u1", ledger.CourseRef("c1"), t0),
		purchase("tx-2", "u2", ledger.CourseRef("c1"), t0.Add(time.Minute)),
		purchase("tx-3", "u3", ledger.ResourceRef("r1"), t0.Add(2*time.Minute)),
		purchase("tx-4", "u4", ledger.CourseRef("c1"), t0.Add(3*time.Minute)),
	} {
		_, _, err := s.InsertPurchase(ctx, p)
		require.NoError(t, err)
	}
	for _, tx := range []string{"tx-1", "tx-2", "tx-3"} {
		_, err := s.TransitionPurchase(ctx, tx, ledger.PurchasePending, ledger.PurchaseCompleted, t0)
		require.NoError(t, err)
	}
	_, _, err := s.InsertEnrollment(ctx, ledger.Enrollment{UserID: "u1", CourseID: "c1", CreatedAt: t0})
	require.NoError(t, err)

	missing, err := s.UnenrolledCoursePurchases(ctx, -1)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "tx-2", missing[0].TransactionID)
}
