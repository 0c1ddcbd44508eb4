package workingmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
)

func newTestMemory(t *testing.T, opts ...Option) (*Memory, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(st, opts...), st
}

func TestEstimateTokensSumsRecentContextOnly(t *testing.T) {
	task := &model.Task{Title: "abcd", Goal: "efgh"} // 8 chars
	require.Equal(t, 8.0/CharsPerToken, EstimateTokens(task))

	for i := 0; i < 10; i++ {
		task.Context.Decisions = append(task.Context.Decisions, model.Decision{Text: "x"})
	}
	// Only the last 5 decisions (contextLinesConsidered) count.
	require.Equal(t, (8.0+5)/CharsPerToken, EstimateTokens(task))
}

func TestLoadRejectsTerminalTask(t *testing.T) {
	mem, st := newTestMemory(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusCompleted}}, 0))

	admission, err := mem.Load("t1")
	require.NoError(t, err)
	require.Equal(t, Rejected, admission)
}

func TestLoadAdmitsAndTouchUpdatesAccessCount(t *testing.T) {
	mem, st := newTestMemory(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive}}, 0))

	admission, err := mem.Load("t1")
	require.NoError(t, err)
	require.Equal(t, Loaded, admission)

	require.NoError(t, mem.Touch("t1"))

	snap, err := mem.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, 2, snap[0].AccessCount)
}

func TestEnforceLimitsEvictsColdestBeyondMaxHot(t *testing.T) {
	mem, st := newTestMemory(t, WithLimits(2, 1_000_000))

	now := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, st.PutTask(&model.Task{ID: id, State: model.State{Status: model.StatusActive}}, 0))
		_, err := mem.Load(id)
		require.NoError(t, err)
		// Space out LastAccess so eviction order is deterministic.
		wm, err := st.ReadWorkingMemoryState()
		require.NoError(t, err)
		for s := range wm.Slots {
			if wm.Slots[s].TaskID == id {
				wm.Slots[s].LastAccess = now.Add(-time.Duration(3-i) * time.Hour)
			}
		}
		require.NoError(t, st.WriteWorkingMemoryState(wm))
	}

	snap, err := mem.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2, "oldest slot should have been evicted to respect maxHot=2")

	ids := map[string]bool{}
	for _, s := range snap {
		ids[s.TaskID] = true
	}
	require.False(t, ids["old"])
	require.True(t, ids["mid"])
	require.True(t, ids["new"])
}

func TestManagePressureEvictsTerminalSlotsImmediately(t *testing.T) {
	mem, st := newTestMemory(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive}}, 0))
	_, err := mem.Load("t1")
	require.NoError(t, err)

	_, err = st.UpdateTask("t1", func(tk *model.Task) error {
		tk.State.Status = model.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	evicted, err := mem.ManagePressure()
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, evicted)
}

func TestEvict(t *testing.T) {
	mem, st := newTestMemory(t)
	require.NoError(t, st.PutTask(&model.Task{ID: "t1", State: model.State{Status: model.StatusActive}}, 0))
	_, err := mem.Load("t1")
	require.NoError(t, err)

	require.NoError(t, mem.Evict("t1"))
	snap, err := mem.Snapshot()
	require.NoError(t, err)
	require.Empty(t, snap)
}
