/*
scheduler.go - Enrollment reconciliation scheduler

PURPOSE:
  Periodically enrolls buyers whose course purchase is COMPLETED but who
  have no enrollment, which happens when the confirm listener failed.
  Purchase status is never touched.

DESIGN:
  - robfig/cron drives the schedule (default "@every 5m")
  - Runs are serialized; a run that overlaps the previous one waits
  - The last run is kept for the admin endpoint

USAGE:
  rec := NewEnrollmentReconciler(enrollments, "@every 5m")
  rec.Start()
  // ... later
  rec.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual run)
  - enrollment/enrollment.go: Service.Reconcile
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/access-engine/enrollment"
)

const (
	DefaultReconcileSchedule = "@every 5m"
	DefaultReconcileBatch    = 500
)

// Reconciler is the enrollment.Service method the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (enrollment.ReconcileResult, error)
}

// ReconcileRun records one pass.
type ReconcileRun struct {
	StartedAt time.Time
	Result    enrollment.ReconcileResult
	Err       error
}

// EnrollmentReconciler runs Reconcile on a cron schedule.
type EnrollmentReconciler struct {
	svc       Reconciler
	Schedule  string
	BatchSize int
	Timeout   time.Duration
	Logger    *slog.Logger

	cron *cron.Cron
	run  sync.Mutex // serializes passes
	mu   sync.Mutex
	last *ReconcileRun
}

func NewEnrollmentReconciler(svc Reconciler, schedule string) *EnrollmentReconciler {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &EnrollmentReconciler{
		svc:       svc,
		Schedule:  schedule,
		BatchSize: DefaultReconcileBatch,
		Timeout:   time.Minute,
		Logger:    slog.Default(),
	}
}

// Start schedules the job. It returns an error for an unparsable schedule.
func (rs *EnrollmentReconciler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(rs.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), rs.Timeout)
		defer cancel()
		_, _ = rs.RunNow(ctx)
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", rs.Schedule, err)
	}
	c.Start()
	rs.cron = c

	rs.Logger.Info("enrollment reconciler started", "schedule", rs.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (rs *EnrollmentReconciler) Stop() {
	rs.mu.Lock()
	c := rs.cron
	rs.cron = nil
	rs.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	rs.Logger.Info("enrollment reconciler stopped")
}

// RunNow performs one pass immediately (admin endpoint, tests).
func (rs *EnrollmentReconciler) RunNow(ctx context.Context) (ReconcileRun, error) {
	return rs.RunBatch(ctx, rs.BatchSize)
}

// RunBatch performs one pass over at most limit purchases; 0 means no limit.
func (rs *EnrollmentReconciler) RunBatch(ctx context.Context, limit int) (ReconcileRun, error) {
	rs.run.Lock()
	defer rs.run.Unlock()

	run := ReconcileRun{StartedAt: time.Now()}
	run.Result, run.Err = rs.svc.Reconcile(ctx, limit)

	switch {
	case run.Err != nil:
		rs.Logger.ErrorContext(ctx, "enrollment reconcile failed", "error", run.Err)
	case run.Result.Checked > 0:
		rs.Logger.InfoContext(ctx, "enrollment reconcile completed",
			"checked", run.Result.Checked, "enrolled", run.Result.Enrolled, "failed", run.Result.Failed)
	}

	rs.mu.Lock()
	rs.last = &run
	rs.mu.Unlock()
	return run, run.Err
}

// LastRun returns the most recent pass, if any.
func (rs *EnrollmentReconciler) LastRun() (ReconcileRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return ReconcileRun{}, false
	}
	return *rs.last, true
}

// NextRunTime returns when the next scheduled pass will occur, or zero when
// the scheduler is not running.
func (rs *EnrollmentReconciler) NextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cron == nil {
		return time.Time{}
	}
	entries := rs.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
