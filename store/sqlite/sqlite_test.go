package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/ledger/storetest"
	"github.com/warp/access-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestNew_ReopenKeepsDataAndMigrations(t *testing.T) {
	// GIVEN: A file-backed store with one enrollment
	// WHEN: Reopening the same file
	// THEN: Migrations are not re-applied destructively and the row is still there

	path := filepath.Join(t.TempDir(), "access.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCourse(ctx, ledger.Course{
		ID: "c1", Title: "C1", IsFree: true,
		Lessons: []ledger.Lesson{{ID: "a", Order: 1}},
	}))
	_, _, err = s.InsertEnrollment(ctx, ledger.Enrollment{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	_, err = s.GetEnrollment(ctx, "u1", "c1")
	assert.NoError(t, err)
}
