package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/ledger/store"
	"github.com/warp/access-engine/progress"
)

func newTestCache(t *testing.T) (*ProgressCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewProgressCache(client, time.Minute), srv
}

func TestProgressCache_MissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

	gen, err := c.Generation(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	_, ok, err := c.Load(ctx, "u1", "c1", gen)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "u1", "c1", gen, progress.Completions{"L1": at}))

	done, ok, err := c.Load(ctx, "u1", "c1", gen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, done["L1"].Equal(at))
	assert.Len(t, done, 1)
}

func TestProgressCache_EmptySetIsCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, "u1", "c1", 0, progress.Completions{}))

	done, ok, err := c.Load(ctx, "u1", "c1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, done)
}

func TestProgressCache_InvalidateHidesOldEntry(t *testing.T) {
	// GIVEN: An entry cached under generation 0
	// WHEN: A completion bumps the generation
	// THEN: The old entry is no longer reachable through the current generation

	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Save(ctx, "u1", "c1", 0, progress.Completions{}))

	require.NoError(t, c.Invalidate(ctx, "u1", "c1"))

	gen, err := c.Generation(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	_, ok, err := c.Load(ctx, "u1", "c1", gen)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressCache_EntriesExpireGenerationDoesNot(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Invalidate(ctx, "u1", "c1"))
	require.NoError(t, c.Save(ctx, "u1", "c1", 1, progress.Completions{}))

	srv.FastForward(2 * time.Minute)

	_, ok, err := c.Load(ctx, "u1", "c1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := c.Generation(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
}

type alwaysEnrolled struct{}

func (alwaysEnrolled) IsEnrolled(context.Context, ledger.UserID, ledger.CourseID) (bool, error) {
	return true, nil
}

func TestProgressCache_WithTracker(t *testing.T) {
	// GIVEN: Tracker reading through the Redis cache
	// WHEN: Reading, completing L1, reading again
	// THEN: The second read reflects the completion

	c, _ := newTestCache(t)
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveCourse(ctx, ledger.Course{
		ID: "c1", Title: "C1", IsFree: true,
		Lessons: []ledger.Lesson{{ID: "L1", Order: 1}, {ID: "L2", Order: 2}},
	}))
	tr := progress.NewTracker(s, alwaysEnrolled{}, c)

	p, err := tr.GetProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []progress.State{progress.StateUnlocked, progress.StateLocked}, p.States())

	_, err = tr.MarkComplete(ctx, "u1", "L1")
	require.NoError(t, err)

	p, err = tr.GetProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []progress.State{progress.StateCompleted, progress.StateUnlocked}, p.States())
}

func TestProgressCache_RedisDown_TrackerFallsBackToStore(t *testing.T) {
	c, srv := newTestCache(t)
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveCourse(ctx, ledger.Course{
		ID: "c1", Title: "C1", IsFree: true,
		Lessons: []ledger.Lesson{{ID: "L1", Order: 1}},
	}))
	tr := progress.NewTracker(s, alwaysEnrolled{}, c)

	srv.Close()

	// The completion is stored, but the generation bump cannot be confirmed.
	_, err := tr.MarkComplete(ctx, "u1", "L1")
	require.Error(t, err)
	assert.True(t, ledger.IsTransient(err))

	p, err := tr.GetProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []progress.State{progress.StateCompleted}, p.States())
}

func TestProgressCache_RedisRestart_RepeatCompletionInvalidates(t *testing.T) {
	// GIVEN: Progress cached, then Redis drops during a completion
	// WHEN: Redis comes back and the completion is repeated
	// THEN: The repeat bumps the generation and the read sees the completion

	c, srv := newTestCache(t)
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveCourse(ctx, ledger.Course{
		ID: "c1", Title: "C1", IsFree: true,
		Lessons: []ledger.Lesson{{ID: "L1", Order: 1}, {ID: "L2", Order: 2}},
	}))
	tr := progress.NewTracker(s, alwaysEnrolled{}, c)

	_, err := tr.GetProgress(ctx, "u1", "c1")
	require.NoError(t, err)

	srv.Close()
	_, err = tr.MarkComplete(ctx, "u1", "L1")
	require.Error(t, err)
	require.NoError(t, srv.Restart())

	_, err = tr.MarkComplete(ctx, "u1", "L1")
	require.NoError(t, err)

	p, err := tr.GetProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []progress.State{progress.StateCompleted, progress.StateUnlocked}, p.States())
}
