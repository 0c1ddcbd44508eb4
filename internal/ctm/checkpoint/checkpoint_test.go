package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(st, opts...), st
}

func TestCheckpointAppendsRefAndSkipsWithFreshLease(t *testing.T) {
	mgr, st := newTestManager(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive, ProgressPercent: 40}}, 0))

	cp, created, err := mgr.Checkpoint("t1", model.CheckpointManual)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, cp)

	task, err := st.GetTask("t1")
	require.NoError(t, err)
	require.Len(t, task.State.Checkpoints, 1)

	_, created, err = mgr.Checkpoint("t1", model.CheckpointManual)
	require.NoError(t, err)
	require.False(t, created, "a second checkpoint within the lease TTL must be skipped")
}

func TestCheckpointIncrementsSessionCounterOnceNotOnSkip(t *testing.T) {
	mgr, st := newTestManager(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive}}, 0))

	_, created, err := mgr.Checkpoint("t1", model.CheckpointManual)
	require.NoError(t, err)
	require.True(t, created)

	sched, err := st.ReadSchedulerState()
	require.NoError(t, err)
	require.Equal(t, 1, sched.Session.Checkpoints)

	_, created, err = mgr.Checkpoint("t1", model.CheckpointManual)
	require.NoError(t, err)
	require.False(t, created, "lease-skipped checkpoint must not increment the session counter")

	sched, err = st.ReadSchedulerState()
	require.NoError(t, err)
	require.Equal(t, 1, sched.Session.Checkpoints)
}

func TestCheckpointAllowsDifferentTypeImmediately(t *testing.T) {
	mgr, st := newTestManager(t, WithLeaseTTL(time.Hour))
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive}}, 0))

	_, created, err := mgr.Checkpoint("t1", model.CheckpointManual)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = mgr.Checkpoint("t1", model.CheckpointPreCompact)
	require.NoError(t, err)
	require.True(t, created, "leases are scoped per (task, type), not per task alone")
}

func TestSnapshotTrimsToLastN(t *testing.T) {
	mgr, st := newTestManager(t)
	task := &model.Task{ID: "t1", Title: "big task"}
	for i := 0; i < 10; i++ {
		task.Context.Decisions = append(task.Context.Decisions, model.Decision{Text: "decision"})
	}
	require.NoError(t, st.PutTask(task, 0))

	snap, err := mgr.Snapshot("t1")
	require.NoError(t, err)
	require.Len(t, snap.Decisions, contextLinesKept)
}

func TestCompressDedupesFilesAndReturnsDiff(t *testing.T) {
	mgr, st := newTestManager(t)
	task := &model.Task{
		ID: "t1",
		Context: model.Context{
			KeyFiles:  []string{"a.go", "a.go", "b.go"},
			Decisions: []model.Decision{{Text: "d1"}, {Text: "d2"}},
		},
	}
	require.NoError(t, st.PutTask(task, 0))

	delta, err := mgr.Compress("t1")
	require.NoError(t, err)
	require.NotEmpty(t, delta)

	updated, err := st.GetTask("t1")
	require.NoError(t, err)
	require.Len(t, updated.Context.KeyFiles, 2)
}

func TestCompressNoopReturnsEmptyDiff(t *testing.T) {
	mgr, st := newTestManager(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1"}, 0))

	delta, err := mgr.Compress("t1")
	require.NoError(t, err)
	require.Empty(t, delta)
}
