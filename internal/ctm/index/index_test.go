package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

func newTestIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(st, telemetry.NoopLogger{}), st
}

func TestUpsertAndLookup(t *testing.T) {
	idx, _ := newTestIndex(t)
	require.NoError(t, idx.Upsert(model.Summary{ID: "t1", Title: "alpha", Status: model.StatusActive}))

	got, ok := idx.Lookup("t1")
	require.True(t, ok)
	require.Equal(t, "alpha", got.Title)
}

func TestListFiltersByTag(t *testing.T) {
	idx, _ := newTestIndex(t)
	require.NoError(t, idx.Upsert(model.Summary{ID: "t1", Tags: []string{"infra"}, Status: model.StatusActive}))
	require.NoError(t, idx.Upsert(model.Summary{ID: "t2", Tags: []string{"docs"}, Status: model.StatusActive}))

	out, err := idx.List(store.Filter{Tag: "infra"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "t1", out[0].ID)
}

func TestRemove(t *testing.T) {
	idx, _ := newTestIndex(t)
	require.NoError(t, idx.Upsert(model.Summary{ID: "t1"}))
	require.NoError(t, idx.Remove("t1"))

	_, ok := idx.Lookup("t1")
	require.False(t, ok)
}

func TestReconcileRecoversOrphanAndPrunesStale(t *testing.T) {
	idx, st := newTestIndex(t)

	// t1 has a task file but no index entry (orphan).
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", Title: "orphan"}, 0))
	// t2 has an index entry but no task file (stale).
	require.NoError(t, idx.Upsert(model.Summary{ID: "t2", Title: "ghost"}))

	added, removed, err := idx.Reconcile()
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, 1, removed)

	got, ok := idx.Lookup("t1")
	require.True(t, ok)
	require.Equal(t, "orphan", got.Title)

	_, ok = idx.Lookup("t2")
	require.False(t, ok)
}

func TestMarkStaleForcesRebuild(t *testing.T) {
	idx, st := newTestIndex(t)
	require.NoError(t, idx.Upsert(model.Summary{ID: "t1"}))

	// Mutate the on-disk index directly, bypassing idx's in-memory cache.
	raw, err := st.ReadIndex()
	require.NoError(t, err)
	raw.Entries["t2"] = model.Summary{ID: "t2", Title: "written behind the index's back"}
	require.NoError(t, st.WriteIndex(raw))

	_, ok := idx.Lookup("t2")
	require.False(t, ok, "stale in-memory cache should not see the out-of-band write yet")

	idx.MarkStale()
	got, ok := idx.Lookup("t2")
	require.True(t, ok)
	require.Equal(t, "written behind the index's back", got.Title)
}
