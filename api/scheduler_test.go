package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/enrollment"
)

type countingReconciler struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (c *countingReconciler) Reconcile(_ context.Context, limit int) (enrollment.ReconcileResult, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return enrollment.ReconcileResult{Checked: 2, Enrolled: 2}, c.err
}

func TestEnrollmentReconciler_RunNow(t *testing.T) {
	svc := &countingReconciler{}
	rec := NewEnrollmentReconciler(svc, "")

	_, ok := rec.LastRun()
	assert.False(t, ok)

	run, err := rec.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.Result.Enrolled)
	assert.Equal(t, int32(DefaultReconcileBatch), svc.limit.Load())

	last, ok := rec.LastRun()
	require.True(t, ok)
	assert.Equal(t, run.StartedAt, last.StartedAt)
}

func TestEnrollmentReconciler_RunNowError(t *testing.T) {
	svc := &countingReconciler{err: errors.New("db down")}
	rec := NewEnrollmentReconciler(svc, "")

	_, err := rec.RunNow(context.Background())
	require.Error(t, err)
	last, ok := rec.LastRun()
	require.True(t, ok)
	assert.Error(t, last.Err)
}

func TestEnrollmentReconciler_StartStop(t *testing.T) {
	rec := NewEnrollmentReconciler(&countingReconciler{}, "@every 1h")
	assert.True(t, rec.NextRunTime().IsZero())

	require.NoError(t, rec.Start())
	assert.False(t, rec.NextRunTime().IsZero())

	rec.Stop()
	assert.True(t, rec.NextRunTime().IsZero())
	// Stopping twice is a no-op.
	rec.Stop()
}

func TestEnrollmentReconciler_BadSchedule(t *testing.T) {
	rec := NewEnrollmentReconciler(&countingReconciler{}, "every tuesday")
	require.Error(t, rec.Start())
}
