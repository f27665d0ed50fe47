package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/catalog"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/ledger/store"
)

func TestParse_Demo(t *testing.T) {
	cat := catalog.Demo()

	require.Len(t, cat.Courses, 2)
	require.Len(t, cat.Resources, 2)

	paid := cat.Courses[0]
	assert.Equal(t, ledger.CourseID("trading-101"), paid.ID)
	assert.False(t, paid.IsFree)
	assert.Equal(t, "99", paid.PriceUSD.String())
	require.Len(t, paid.Lessons, 3)
	assert.True(t, paid.Lessons[0].IsPreview)
	assert.Equal(t, ledger.CourseID("trading-101"), paid.Lessons[2].CourseID)

	assert.True(t, cat.Resources[0].IsPremium)
	assert.Equal(t, "50", cat.Resources[0].PriceUSD.String())
}

func TestParse_JSONDocument(t *testing.T) {
	doc := `{"courses":[{"id":"c1","title":"C1","is_free":true,"lessons":[{"id":"a"},{"id":"b"}]}]}`

	cat, err := catalog.NewFactory().Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cat.Courses[0].Lessons, 2)
	assert.Equal(t, 1, cat.Courses[0].Lessons[0].Order, "lessons without order are numbered by position")
	assert.Equal(t, 2, cat.Courses[0].Lessons[1].Order)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"gap in lesson order", `
courses:
  - id: c1
    title: C1
    is_free: true
    lessons: [{id: a, order: 1}, {id: b, order: 3}]`},
		{"duplicate lesson order", `
courses:
  - id: c1
    title: C1
    is_free: true
    lessons: [{id: a, order: 1}, {id: b, order: 1}]`},
		{"paid course without price", `
courses:
  - {id: c1, title: C1}`},
		{"non-numeric price", `
resources:
  - {id: r1, title: R1, is_premium: true, price_usd: abc}`},
		{"sub-cent price", `
resources:
  - {id: r1, title: R1, is_premium: true, price_usd: "1.001"}`},
		{"missing id", `
courses:
  - {title: C1, is_free: true}`},
		{"duplicate lesson id across courses", `
courses:
  - {id: c1, title: C1, is_free: true, lessons: [{id: a}]}
  - {id: c2, title: C2, is_free: true, lessons: [{id: a}]}`},
		{"malformed yaml", `courses: [`},
	}

	f := catalog.NewFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ledger.ErrInvalidCatalog)
		})
	}
}

func TestLoad_PublishedSequenceIsImmutable(t *testing.T) {
	// GIVEN: A published course with lessons a, b
	// WHEN: Re-importing it unchanged, then with the lessons swapped
	// THEN: The unchanged import succeeds, the reorder fails with ErrInvalidCatalog

	ctx := context.Background()
	s := store.NewMemory()
	f := catalog.NewFactory()

	original, err := f.Parse([]byte(`
courses:
  - {id: c1, title: C1, is_free: true, lessons: [{id: a, order: 1}, {id: b, order: 2}]}`))
	require.NoError(t, err)
	require.NoError(t, catalog.Load(ctx, s, original))
	require.NoError(t, catalog.Load(ctx, s, original))

	swapped, err := f.Parse([]byte(`
courses:
  - {id: c1, title: C1 renamed, is_free: true, lessons: [{id: b, order: 1}, {id: a, order: 2}]}`))
	require.NoError(t, err)
	assert.ErrorIs(t, catalog.Load(ctx, s, swapped), ledger.ErrInvalidCatalog)

	lessons, err := s.ListLessons(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ledger.LessonID("a"), lessons[0].ID)
}
