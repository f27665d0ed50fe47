package progress

import (
	"time"

	"github.com/warp/access-engine/ledger"
)

// State is the derived per-user state of a lesson. It is never stored.
type State string

const (
	StateLocked    State = "locked"
	StateUnlocked  State = "unlocked"
	StateCompleted State = "completed"
)

// LessonState is one entry of a progress report, in lesson order.
type LessonState struct {
	LessonID    ledger.LessonID
	Order       int
	Title       string
	IsPreview   bool
	State       State
	CompletedAt *time.Time
}

// Progress is the derived view of a user's position in a course.
type Progress struct {
	UserID   ledger.UserID
	CourseID ledger.CourseID
	Lessons  []LessonState

	// FarthestUnlockedLessonID is the highest-order lesson that is not locked.
	// Empty for a course without lessons.
	FarthestUnlockedLessonID ledger.LessonID
	CompletedCount           int
}

// Completions maps completed lesson ids to their completion time.
type Completions map[ledger.LessonID]time.Time

// Derive walks lessons once in order, carrying whether the predecessor is
// completed. The first lesson is always unlocked. lessons must be sorted by Order.
func Derive(userID ledger.UserID, courseID ledger.CourseID, lessons []ledger.Lesson, done Completions) Progress {
	p := Progress{
		UserID:   userID,
		CourseID: courseID,
		Lessons:  make([]LessonState, 0, len(lessons)),
	}

	prevCompleted := true
	for _, l := range lessons {
		ls := LessonState{
			LessonID:  l.ID,
			Order:     l.Order,
			Title:     l.Title,
			IsPreview: l.IsPreview,
		}
		at, completed := done[l.ID]
		switch {
		case completed:
			ls.State = StateCompleted
			t := at
			ls.CompletedAt = &t
			p.CompletedCount++
		case prevCompleted:
			ls.State = StateUnlocked
		default:
			ls.State = StateLocked
		}
		if ls.State != StateLocked {
			p.FarthestUnlockedLessonID = l.ID
		}
		p.Lessons = append(p.Lessons, ls)
		prevCompleted = completed
	}
	return p
}

// Lesson returns the state of lessonID and the id of its predecessor.
func (p Progress) Lesson(lessonID ledger.LessonID) (LessonState, ledger.LessonID, bool) {
	var prev ledger.LessonID
	for _, ls := range p.Lessons {
		if ls.LessonID == lessonID {
			return ls, prev, true
		}
		prev = ls.LessonID
	}
	return LessonState{}, "", false
}

// States returns just the state column, in order.
func (p Progress) States() []State {
	out := make([]State, len(p.Lessons))
	for i, ls := range p.Lessons {
		out[i] = ls.State
	}
	return out
}
