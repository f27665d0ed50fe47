package enrollment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/catalog"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/ledger/store"
	"github.com/warp/access-engine/purchase"
)

func newTestService(t *testing.T) (*enrollment.Service, *purchase.Gate, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	require.NoError(t, catalog.Load(context.Background(), s, catalog.Demo()))
	gate := purchase.NewGate(s)
	return enrollment.NewService(s, gate), gate, s
}

func completePurchase(t *testing.T, gate *purchase.Gate, user ledger.UserID, course ledger.CourseID, tx string) {
	t.Helper()
	ctx := context.Background()
	_, err := gate.RecordPurchaseIntent(ctx, purchase.Intent{
		UserID: user, Item: ledger.CourseRef(course), AmountUSD: decimal.NewFromInt(99), TransactionID: tx,
	})
	require.NoError(t, err)
	_, err = gate.ConfirmPurchase(ctx, tx)
	require.NoError(t, err)
}

func TestEnroll_FreeCourse_Idempotent(t *testing.T) {
	// GIVEN: Free course
	// WHEN: Enrolling twice
	// THEN: The second call returns the first record unchanged

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }
	first, err := svc.Enroll(ctx, "u1", "market-basics", enrollment.SourceFreeStart)
	require.NoError(t, err)

	svc.Now = func() time.Time { return now.Add(time.Hour) }
	second, err := svc.Enroll(ctx, "u1", "market-basics", enrollment.SourceFreeStart)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, first.SourceTransactionID)
}

func TestEnroll_PaidCourse_RequiresCompletedPurchase(t *testing.T) {
	svc, gate, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, "u1", "trading-101", enrollment.SourceView)
	var pr *ledger.PaymentRequiredError
	require.ErrorAs(t, err, &pr)
	assert.Equal(t, ledger.CourseRef("trading-101"), pr.Item)

	completePurchase(t, gate, "u1", "trading-101", "tx-1")

	e, err := svc.Enroll(ctx, "u1", "trading-101", enrollment.SourceView)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", e.SourceTransactionID)
}

func TestEnroll_UnknownCourse(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Enroll(context.Background(), "u1", "nope", enrollment.SourceView)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestEnroll_Concurrent_ExactlyOneRow(t *testing.T) {
	// GIVEN: Free course
	// WHEN: 25 concurrent enroll calls for the same user
	// THEN: All succeed, all observe the same record, one row exists

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]ledger.Enrollment, 25)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := svc.Enroll(ctx, "u1", "market-basics", enrollment.SourceFreeStart)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0].CreatedAt, r.CreatedAt)
	}
	list, err := svc.Enrollments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOnPurchaseConfirmed_IgnoresResources(t *testing.T) {
	svc, _, s := newTestService(t)

	err := svc.OnPurchaseConfirmed(context.Background(), ledger.Purchase{
		UserID: "u1", Item: ledger.ResourceRef("cheat-sheet"), Status: ledger.PurchaseCompleted,
	})
	require.NoError(t, err)

	list, err := s.ListEnrollments(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReconcile_BackfillsMissingEnrollments(t *testing.T) {
	// GIVEN: Two completed course purchases whose confirm listener never ran
	// WHEN: Reconcile runs twice
	// THEN: Both buyers are enrolled on the first pass; the second pass finds nothing

	svc, gate, _ := newTestService(t)
	ctx := context.Background()
	completePurchase(t, gate, "u1", "trading-101", "tx-1")
	completePurchase(t, gate, "u2", "trading-101", "tx-2")

	res, err := svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, enrollment.ReconcileResult{Checked: 2, Enrolled: 2}, res)

	ok, err := svc.IsEnrolled(ctx, "u2", "trading-101")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = svc.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
}
