/*
Package progress records lesson completions and derives unlock state.

STATE MACHINE (per user, per lesson, derived on every read):
  locked     not the first lesson, and the predecessor has no completion
  unlocked   first lesson, or the predecessor is completed
  completed  a LessonProgress row exists

  unlocked -> completed via MarkComplete. Nothing else is ever written;
  completing lesson N unlocks N+1 only through the derivation.

MARK COMPLETE:
  1. Lesson must exist (ErrNotFound)
  2. User must be enrolled in its course (NotEnrolledError)
  3. Already completed -> success, stored row unchanged
  4. Locked -> LessonLockedError naming the predecessor
  5. Insert-if-absent; concurrent callers all observe success
  6. Bump the cache generation, on repeats too. A failed bump fails the
     call so the caller retries it; the row itself is already durable.

  The lock check in step 4 reads completions from the store, never from
  the cache.

SEE ALSO:
  - derive.go: The single-pass derivation
  - cache.go: Optional completion-set cache
*/
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/access-engine/ledger"
	"golang.org/x/sync/errgroup"
)

// Enrollments answers whether a user is enrolled.
type Enrollments interface {
	IsEnrolled(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (bool, error)
}

// Store is what the tracker needs from the Ledger Store.
type Store interface {
	GetLesson(ctx context.Context, id ledger.LessonID) (*ledger.Lesson, error)
	ListLessons(ctx context.Context, courseID ledger.CourseID) ([]ledger.Lesson, error)
	ledger.ProgressStore
}

// Tracker is the only writer of LessonProgress rows.
type Tracker struct {
	store       Store
	enrollments Enrollments
	cache       Cache

	Now    func() time.Time
	Logger *slog.Logger
}

// NewTracker builds a Tracker. A nil cache disables caching.
func NewTracker(store Store, enrollments Enrollments, cache Cache) *Tracker {
	if cache == nil {
		cache = NoCache{}
	}
	return &Tracker{
		store:       store,
		enrollments: enrollments,
		cache:       cache,
		Now:         time.Now,
		Logger:      slog.Default(),
	}
}

// MarkComplete records completion of lessonID for userID. Repeating it returns
// the first completion unchanged.
func (t *Tracker) MarkComplete(ctx context.Context, userID ledger.UserID, lessonID ledger.LessonID) (ledger.LessonProgress, error) {
	lesson, err := t.store.GetLesson(ctx, lessonID)
	if err != nil {
		return ledger.LessonProgress{}, err
	}

	p, err := t.progress(ctx, userID, lesson.CourseID, t.loadCompletions)
	if err != nil {
		return ledger.LessonProgress{}, err
	}
	state, prev, ok := p.Lesson(lessonID)
	if !ok {
		return ledger.LessonProgress{}, ledger.ErrNotFound
	}
	if state.State == StateLocked {
		return ledger.LessonProgress{}, &ledger.LessonLockedError{
			UserID:           userID,
			LessonID:         lessonID,
			BlockingLessonID: prev,
		}
	}

	stored, created, err := t.store.InsertLessonProgress(ctx, ledger.LessonProgress{
		UserID:      userID,
		LessonID:    lessonID,
		CourseID:    lesson.CourseID,
		CompletedAt: t.Now().UTC(),
	})
	if err != nil {
		return ledger.LessonProgress{}, err
	}
	if created {
		t.Logger.InfoContext(ctx, "lesson completed",
			"user_id", userID, "course_id", lesson.CourseID, "lesson_id", lessonID)
	}
	if err := t.cache.Invalidate(ctx, userID, lesson.CourseID); err != nil {
		t.Logger.WarnContext(ctx, "progress cache invalidation failed",
			"user_id", userID, "course_id", lesson.CourseID, "error", err)
		return ledger.LessonProgress{}, fmt.Errorf("invalidate progress cache: %w", err)
	}
	return stored, nil
}

// GetProgress derives the ordered lesson states for an enrolled user.
func (t *Tracker) GetProgress(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Progress, error) {
	return t.progress(ctx, userID, courseID, t.completions)
}

type completionsFunc func(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Completions, error)

func (t *Tracker) progress(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID, load completionsFunc) (Progress, error) {
	enrolled, err := t.enrollments.IsEnrolled(ctx, userID, courseID)
	if err != nil {
		return Progress{}, err
	}
	if !enrolled {
		return Progress{}, &ledger.NotEnrolledError{UserID: userID, CourseID: courseID}
	}

	var (
		lessons []ledger.Lesson
		done    Completions
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lessons, err = t.store.ListLessons(gctx, courseID)
		return err
	})
	g.Go(func() error {
		var err error
		done, err = load(gctx, userID, courseID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Progress{}, err
	}
	return Derive(userID, courseID, lessons, done), nil
}

// completions reads the completion set through the cache. Cache failures fall
// back to the store.
func (t *Tracker) completions(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Completions, error) {
	gen, err := t.cache.Generation(ctx, userID, courseID)
	if err != nil {
		t.Logger.WarnContext(ctx, "progress cache unavailable", "error", err)
		return t.loadCompletions(ctx, userID, courseID)
	}
	if done, ok, err := t.cache.Load(ctx, userID, courseID, gen); err == nil && ok {
		return done, nil
	}

	done, err := t.loadCompletions(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Save(ctx, userID, courseID, gen, done); err != nil {
		t.Logger.WarnContext(ctx, "progress cache save failed", "error", err)
	}
	return done, nil
}

func (t *Tracker) loadCompletions(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Completions, error) {
	rows, err := t.store.CompletedLessons(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	done := make(Completions, len(rows))
	for _, r := range rows {
		done[r.LessonID] = r.CompletedAt
	}
	return done, nil
}
