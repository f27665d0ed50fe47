/*
Package access is the single decision surface consumed by presentation code.

DECISION FLOW (CheckAccess):
  Resource:  canView = !premium || purchase.HasAccess
  Course:    paid -> purchase.HasAccess required
             no enrollment yet -> auto-enroll (first authorized view)
             -> farthest unlocked lesson from progress.GetProgress

  GetProgress, MarkComplete and ViewLesson apply the same paid-course check,
  so a refunded buyer keeps the enrollment row but reads and writes nothing.

FAILURE SEMANTICS:
  PaymentRequired, NotEnrolled and LessonLocked come back as a Decision with
  CanView=false and a Reason, never as an error. Unknown ids come back as
  ledger.ErrNotFound. Any other failure is treated as a store I/O failure:
  the whole operation is retried once after a short backoff, then reported
  as *TransientError. Every operation is idempotent, so the retry is safe.
*/
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/warp/access-engine/enrollment"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/progress"
)

// DefaultBackoff is the pause before the single retry.
const DefaultBackoff = 50 * time.Millisecond

// =============================================================================
// DECISION
// =============================================================================

// Reason is the denial code a presentation layer maps to a remedy.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonPaymentRequired Reason = "payment_required" // pay
	ReasonNotEnrolled     Reason = "not_enrolled"     // enroll
	ReasonLessonLocked    Reason = "lesson_locked"    // finish the previous lesson
)

// Decision is the outcome of every façade operation.
type Decision struct {
	CanView bool
	Reason  Reason
	Item    ledger.ItemRef

	FarthestUnlockedLessonID ledger.LessonID
	BlockingLessonID         ledger.LessonID
	Preview                  bool
	Progress                 *progress.Progress
}

func allowed(item ledger.ItemRef) Decision {
	return Decision{CanView: true, Item: item}
}

// denied converts a domain denial error into a Decision.
func denied(item ledger.ItemRef, err error) Decision {
	d := Decision{Item: item}
	var locked *ledger.LessonLockedError
	switch {
	case errors.As(err, &locked):
		d.Reason = ReasonLessonLocked
		d.BlockingLessonID = locked.BlockingLessonID
	case errors.Is(err, ledger.ErrLessonLocked):
		d.Reason = ReasonLessonLocked
	case errors.Is(err, ledger.ErrPaymentRequired):
		d.Reason = ReasonPaymentRequired
	case errors.Is(err, ledger.ErrNotEnrolled):
		d.Reason = ReasonNotEnrolled
	}
	return d
}

// TransientError means the store could not answer, even after a retry.
// It is distinct from a denial: the caller should offer "try again".
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type Catalog interface {
	GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error)
	GetLesson(ctx context.Context, id ledger.LessonID) (*ledger.Lesson, error)
	GetResource(ctx context.Context, id ledger.ResourceID) (*ledger.Resource, error)
}

type Enroller interface {
	Enroll(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID, source enrollment.Source) (ledger.Enrollment, error)
	IsEnrolled(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (bool, error)
}

type Gatekeeper interface {
	HasAccess(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (bool, error)
}

type Tracker interface {
	MarkComplete(ctx context.Context, userID ledger.UserID, lessonID ledger.LessonID) (ledger.LessonProgress, error)
	GetProgress(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (progress.Progress, error)
}

// =============================================================================
// CONTROLLER
// =============================================================================

type Controller struct {
	catalog     Catalog
	enrollments Enroller
	purchases   Gatekeeper
	tracker     Tracker

	Backoff time.Duration
	Logger  *slog.Logger
}

func NewController(catalog Catalog, enrollments Enroller, purchases Gatekeeper, tracker Tracker) *Controller {
	return &Controller{
		catalog:     catalog,
		enrollments: enrollments,
		purchases:   purchases,
		tracker:     tracker,
		Backoff:     DefaultBackoff,
		Logger:      slog.Default(),
	}
}

// CheckAccess decides whether userID may view item. For a course it
// auto-enrolls on the first authorized view and reports the farthest
// unlocked lesson.
func (c *Controller) CheckAccess(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (Decision, error) {
	return c.run(ctx, "check_access", userID, &item, func(ctx context.Context) (Decision, error) {
		switch item.Kind {
		case ledger.ItemResource:
			return c.checkResource(ctx, userID, ledger.ResourceID(item.ID))
		case ledger.ItemCourse:
			return c.checkCourse(ctx, userID, ledger.CourseID(item.ID))
		}
		return Decision{}, fmt.Errorf("%w: item %s", ledger.ErrNotFound, item)
	})
}

// ViewLesson decides whether userID may open lessonID. Preview lessons are
// open to everyone and write nothing. Other lessons need course access and
// must be unlocked or completed.
func (c *Controller) ViewLesson(ctx context.Context, userID ledger.UserID, lessonID ledger.LessonID) (Decision, error) {
	var item ledger.ItemRef
	return c.run(ctx, "view_lesson", userID, &item, func(ctx context.Context) (Decision, error) {
		lesson, err := c.catalog.GetLesson(ctx, lessonID)
		if err != nil {
			return Decision{}, err
		}
		item = ledger.CourseRef(lesson.CourseID)
		if lesson.IsPreview {
			d := allowed(item)
			d.Preview = true
			return d, nil
		}

		d, err := c.checkCourse(ctx, userID, lesson.CourseID)
		if err != nil || !d.CanView {
			return d, err
		}
		state, prev, ok := d.Progress.Lesson(lessonID)
		if !ok {
			return Decision{}, ledger.ErrNotFound
		}
		if state.State == progress.StateLocked {
			return Decision{}, &ledger.LessonLockedError{UserID: userID, LessonID: lessonID, BlockingLessonID: prev}
		}
		return d, nil
	})
}

// Enroll enrolls userID in courseID and returns the resulting decision.
// A paid course without a completed purchase is denied with PaymentRequired.
func (c *Controller) Enroll(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Decision, error) {
	item := ledger.CourseRef(courseID)
	return c.run(ctx, "enroll", userID, &item, func(ctx context.Context) (Decision, error) {
		if _, err := c.enrollments.Enroll(ctx, userID, courseID, enrollment.SourceFreeStart); err != nil {
			return Decision{}, err
		}
		return c.withProgress(ctx, userID, courseID)
	})
}

// MarkComplete records a lesson completion and returns the updated progress.
func (c *Controller) MarkComplete(ctx context.Context, userID ledger.UserID, lessonID ledger.LessonID) (Decision, error) {
	var item ledger.ItemRef
	return c.run(ctx, "mark_complete", userID, &item, func(ctx context.Context) (Decision, error) {
		lesson, err := c.catalog.GetLesson(ctx, lessonID)
		if err != nil {
			return Decision{}, err
		}
		item = ledger.CourseRef(lesson.CourseID)
		course, err := c.catalog.GetCourse(ctx, lesson.CourseID)
		if err != nil {
			return Decision{}, err
		}
		if err := c.requirePurchase(ctx, userID, course); err != nil {
			return Decision{}, err
		}
		if _, err := c.tracker.MarkComplete(ctx, userID, lessonID); err != nil {
			return Decision{}, err
		}
		return c.withProgress(ctx, userID, lesson.CourseID)
	})
}

// GetProgress returns the derived progress of an enrolled user.
func (c *Controller) GetProgress(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Decision, error) {
	item := ledger.CourseRef(courseID)
	return c.run(ctx, "get_progress", userID, &item, func(ctx context.Context) (Decision, error) {
		course, err := c.catalog.GetCourse(ctx, courseID)
		if err != nil {
			return Decision{}, err
		}
		if err := c.requirePurchase(ctx, userID, course); err != nil {
			return Decision{}, err
		}
		return c.withProgress(ctx, userID, courseID)
	})
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Controller) checkResource(ctx context.Context, userID ledger.UserID, id ledger.ResourceID) (Decision, error) {
	item := ledger.ResourceRef(id)
	r, err := c.catalog.GetResource(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if !r.IsPremium {
		return allowed(item), nil
	}
	ok, err := c.purchases.HasAccess(ctx, userID, item)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{}, &ledger.PaymentRequiredError{UserID: userID, Item: item}
	}
	return allowed(item), nil
}

func (c *Controller) checkCourse(ctx context.Context, userID ledger.UserID, id ledger.CourseID) (Decision, error) {
	course, err := c.catalog.GetCourse(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if err := c.requirePurchase(ctx, userID, course); err != nil {
		return Decision{}, err
	}

	enrolled, err := c.enrollments.IsEnrolled(ctx, userID, id)
	if err != nil {
		return Decision{}, err
	}
	if !enrolled {
		if _, err := c.enrollments.Enroll(ctx, userID, id, enrollment.SourceView); err != nil {
			return Decision{}, err
		}
	}
	return c.withProgress(ctx, userID, id)
}

// requirePurchase denies a paid course unless the user holds a completed
// purchase. Enrollment alone is not enough: a refund revokes access.
func (c *Controller) requirePurchase(ctx context.Context, userID ledger.UserID, course *ledger.Course) error {
	if course.IsFree {
		return nil
	}
	item := ledger.CourseRef(course.ID)
	ok, err := c.purchases.HasAccess(ctx, userID, item)
	if err != nil {
		return err
	}
	if !ok {
		return &ledger.PaymentRequiredError{UserID: userID, Item: item}
	}
	return nil
}

func (c *Controller) withProgress(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (Decision, error) {
	p, err := c.tracker.GetProgress(ctx, userID, courseID)
	if err != nil {
		return Decision{}, err
	}
	d := allowed(ledger.CourseRef(courseID))
	d.FarthestUnlockedLessonID = p.FarthestUnlockedLessonID
	d.Progress = &p
	return d, nil
}

// run executes fn with one retry on transient failure and folds denials into
// the Decision. fn may fill in *item before it fails.
func (c *Controller) run(ctx context.Context, op string, userID ledger.UserID, item *ledger.ItemRef, fn func(context.Context) (Decision, error)) (Decision, error) {
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	var d Decision
	attempts := 0
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(backoff)), func(ctx context.Context) error {
		attempts++
		var err error
		d, err = fn(ctx)
		if ledger.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return d, nil
	case ledger.IsDenial(err):
		dd := denied(*item, err)
		c.Logger.DebugContext(ctx, "access denied",
			"op", op, "user_id", userID, "item", dd.Item.String(), "reason", dd.Reason)
		return dd, nil
	case ledger.IsTransient(err):
		c.Logger.WarnContext(ctx, "store unavailable after retry",
			"op", op, "user_id", userID, "attempts", attempts, "error", err)
		return Decision{}, &TransientError{Op: op, Err: err}
	default:
		return Decision{}, err
	}
}
