package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/store"
)

func TestRecordAndReplay(t *testing.T) {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "h.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := NewRecorder(s)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	p := ordering.Partition{Kind: ordering.KindSections, ParentID: 4}
	empty, err := r.Load(context.Background(), p)
	require.NoError(t, err)
	current, err := Current(empty)
	require.NoError(t, err)
	assert.Nil(t, current)

	require.NoError(t, r.Record(context.Background(), p, 1, []int64{1, 2, 3}, "created"))
	require.NoError(t, r.Record(context.Background(), p, 2, []int64{2, 3, 1}, "reordered"))

	doc, err := r.Load(context.Background(), p)
	require.NoError(t, err)
	current, err = Current(doc)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 1}, current)

	entries, err := Entries(doc)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []int64{1, 2, 3}, entries[0].Order)
	assert.Equal(t, int64(1), entries[0].Version)
	assert.Equal(t, "created", entries[0].Message)
	assert.Equal(t, []int64{2, 3, 1}, entries[1].Order)
	assert.Equal(t, int64(2), entries[1].Version)
	assert.Equal(t, []string{entries[0].Hash}, entries[1].Parents)
	assert.True(t, entries[1].Time.After(entries[0].Time))
}

func TestRecordSkipsOlderVersion(t *testing.T) {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "h.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := NewRecorder(s)
	p := ordering.Partition{Kind: ordering.KindProducts, ParentID: 2}
	require.NoError(t, r.Record(context.Background(), p, 5, []int64{3, 1, 2}, "reorder"))
	require.NoError(t, r.Record(context.Background(), p, 4, []int64{1, 2, 3}, "reorder"))
	require.NoError(t, r.Record(context.Background(), p, 5, []int64{1, 2, 3}, "reorder"))

	doc, err := r.Load(context.Background(), p)
	require.NoError(t, err)
	current, err := Current(doc)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, current)

	entries, err := Entries(doc)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
