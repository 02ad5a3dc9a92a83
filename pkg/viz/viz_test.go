package viz

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nego/pkg/history"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/store"
)

func TestLabel(t *testing.T) {
	assert.Equal(t, "v3 [2 3 1] reorder", Label(history.Entry{Version: 3, Order: []int64{2, 3, 1}, Message: "reorder"}))
	assert.Equal(t, "v0 []", Label(history.Entry{}))
}

func TestRenderDot(t *testing.T) {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "viz.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r := history.NewRecorder(s)
	p := ordering.Partition{Kind: ordering.KindProducts, ParentID: 1}
	require.NoError(t, r.Record(context.Background(), p, 1, []int64{1, 2}, "create 2"))
	time.Sleep(time.Millisecond)
	require.NoError(t, r.Record(context.Background(), p, 2, []int64{2, 1}, "reorder"))
	doc, err := r.Load(context.Background(), p)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Render(doc, graphviz.XDOT, &out))
	assert.Contains(t, out.String(), "v1 [1 2] create 2")
	assert.Contains(t, out.String(), "v2 [2 1] reorder")
	assert.Contains(t, out.String(), "->")
}
