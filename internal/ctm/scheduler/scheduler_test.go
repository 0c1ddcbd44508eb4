package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/index"
	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *index.Index) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	idx := index.New(st, telemetry.NoopLogger{})
	return New(st, idx), st, idx
}

func putAndIndex(t *testing.T, st *store.Store, idx *index.Index, task *model.Task) {
	t.Helper()
	require.NoError(t, st.PutTask(task, 0))
	require.NoError(t, idx.Upsert(task.ToSummary()))
}

func TestSwitchToAccumulatesActiveSeconds(t *testing.T) {
	sched, st, idx := newTestScheduler(t)
	putAndIndex(t, st, idx, &model.Task{ID: "a", State: model.State{Status: model.StatusActive}})
	putAndIndex(t, st, idx, &model.Task{ID: "b", State: model.State{Status: model.StatusActive}})

	require.NoError(t, sched.SwitchTo("a"))

	a, err := st.GetTask("a")
	require.NoError(t, err)
	require.NotNil(t, a.Timing.SessionStart)

	// Simulate time having elapsed on task "a" before switching away.
	past := time.Now().UTC().Add(-10 * time.Minute)
	_, err = st.UpdateTask("a", func(tk *model.Task) error {
		tk.Timing.SessionStart = &past
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sched.SwitchTo("b"))

	a, err = st.GetTask("a")
	require.NoError(t, err)
	require.Nil(t, a.Timing.SessionStart)
	require.GreaterOrEqual(t, a.Timing.TotalActiveSeconds, int64(590))

	active, err := sched.GetActive()
	require.NoError(t, err)
	require.Equal(t, "b", active)
}

func TestClearActiveOnlyClearsMatchingTask(t *testing.T) {
	sched, st, idx := newTestScheduler(t)
	putAndIndex(t, st, idx, &model.Task{ID: "a", State: model.State{Status: model.StatusActive}})
	require.NoError(t, sched.SwitchTo("a"))

	require.NoError(t, sched.ClearActive("someone-else"))
	active, err := sched.GetActive()
	require.NoError(t, err)
	require.Equal(t, "a", active, "ClearActive must not touch the pointer for a non-matching task id")

	require.NoError(t, sched.ClearActive("a"))
	active, err = sched.GetActive()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRebuildQueueExcludesBlockedAndTerminal(t *testing.T) {
	sched, st, idx := newTestScheduler(t)
	putAndIndex(t, st, idx, &model.Task{ID: "done", State: model.State{Status: model.StatusCompleted}})
	putAndIndex(t, st, idx, &model.Task{ID: "blocked", State: model.State{Status: model.StatusActive}, Blockers: []string{"unmet"}})
	putAndIndex(t, st, idx, &model.Task{ID: "unmet", State: model.State{Status: model.StatusActive}})
	putAndIndex(t, st, idx, &model.Task{ID: "free", State: model.State{Status: model.StatusActive}, Timing: model.Timing{LastActive: time.Now().UTC()}})

	require.NoError(t, sched.RebuildQueue())

	queue, err := sched.GetQueue(0)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, e := range queue {
		ids[e.TaskID] = true
	}
	require.False(t, ids["done"])
	require.False(t, ids["blocked"], "a task whose blocker has not completed must be demoted out of the queue")
	require.True(t, ids["unmet"])
	require.True(t, ids["free"])
}

func TestRebuildQueuePromotesUnblockedTask(t *testing.T) {
	sched, st, idx := newTestScheduler(t)
	putAndIndex(t, st, idx, &model.Task{ID: "blocker", State: model.State{Status: model.StatusCompleted}})
	putAndIndex(t, st, idx, &model.Task{ID: "child", State: model.State{Status: model.StatusBlocked}, Blockers: []string{"blocker"}})

	require.NoError(t, sched.RebuildQueue())

	queue, err := sched.GetQueue(0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, "child", queue[0].TaskID)

	child, err := st.GetTask("child")
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, child.State.Status)
}

func TestCalculatePriorityOverdueBeatsFarDeadline(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	now := time.Now().UTC()
	overdue := now.Add(-time.Hour)
	farOut := now.Add(30 * 24 * time.Hour)

	overdueTask := &model.Task{Timing: model.Timing{Deadline: &overdue, LastActive: now, CreatedAt: now}}
	farTask := &model.Task{Timing: model.Timing{Deadline: &farOut, LastActive: now, CreatedAt: now}}

	require.Greater(t, sched.CalculatePriority(overdueTask, now), sched.CalculatePriority(farTask, now))
}

func TestUrgencyFactorThresholds(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name     string
		deadline *time.Time
		want     float64
	}{
		{"no deadline", nil, 0.5},
		{"overdue", ptr(now.Add(-time.Hour)), 1.0},
		{"within 3 days", ptr(now.Add(2 * 24 * time.Hour)), 0.9},
		{"within 7 days", ptr(now.Add(5 * 24 * time.Hour)), 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &model.Task{Timing: model.Timing{Deadline: tc.deadline}}
			require.InDelta(t, tc.want, urgencyFactor(task, now), 1e-9)
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }
