package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/ledger"
)

func newCorruptibleStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCorruptPrice_IsReportedNotZeroed(t *testing.T) {
	// GIVEN: A paid course and a premium resource whose stored prices were damaged
	// WHEN: Reading them back
	// THEN: The read fails instead of reporting a $0 price

	s := newCorruptibleStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCourse(ctx, ledger.Course{
		ID: "c1", Title: "C1", PriceUSD: decimal.NewFromInt(99),
		Lessons: []ledger.Lesson{{ID: "a", Order: 1}},
	}))
	require.NoError(t, s.SaveResource(ctx, ledger.Resource{
		ID: "r1", Title: "R1", IsPremium: true, PriceUSD: decimal.NewFromInt(50),
	}))

	_, err := s.db.ExecContext(ctx, "UPDATE courses SET price_usd = 'ninety-nine' WHERE id = 'c1'")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE resources SET price_usd = '' WHERE id = 'r1'")
	require.NoError(t, err)

	_, err = s.GetCourse(ctx, "c1")
	assert.ErrorContains(t, err, "invalid price")

	_, err = s.ListCourses(ctx)
	assert.ErrorContains(t, err, "invalid price")

	_, err = s.GetResource(ctx, "r1")
	assert.ErrorContains(t, err, "invalid price")
}

func TestCorruptPurchaseMetadata_IsReported(t *testing.T) {
	s := newCorruptibleStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, err := s.InsertPurchase(ctx, ledger.Purchase{
		ID: "p1", UserID: "u1", Item: ledger.ResourceRef("r1"),
		AmountUSD: decimal.NewFromInt(50), Status: ledger.PurchasePending,
		TransactionID: "tx-1", CreatedAt: now, UpdatedAt: now,
		Metadata: map[string]string{"provider": "stripe"},
	})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, "UPDATE purchases SET metadata_json = '{broken' WHERE transaction_id = 'tx-1'")
	require.NoError(t, err)

	_, err = s.GetPurchaseByTransaction(ctx, "tx-1")
	assert.ErrorContains(t, err, "invalid purchase metadata")
}
