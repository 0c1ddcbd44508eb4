package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/checkpoint"
	"ctm/internal/ctm/extractor"
	"ctm/internal/ctm/index"
	"ctm/internal/ctm/model"
	"ctm/internal/ctm/scheduler"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
	"ctm/internal/ctm/workingmem"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *index.Index) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	idx := index.New(st, telemetry.NoopLogger{})
	sched := scheduler.New(st, idx)
	mem := workingmem.New(st)
	ext, err := extractor.New(st)
	require.NoError(t, err)
	cp := checkpoint.New(st)
	orch := New(st, idx, sched, mem, ext, cp, telemetry.NoopLogger{})
	return orch, st, idx
}

func TestSessionStartCreatesTaskWhenNoneExist(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	briefing, err := orch.SessionStart("proj", "/home/user/proj")
	require.NoError(t, err)
	require.NotNil(t, briefing.ActiveTask)
	require.Equal(t, "proj", briefing.ActiveTask.Context.Project)
}

func TestSessionStartReusesExistingNonTerminalTask(t *testing.T) {
	orch, st, idx := newTestOrchestrator(t)
	existing := &model.Task{ID: "existing", Context: model.Context{Project: "proj"}, State: model.State{Status: model.StatusActive}}
	require.NoError(t, st.PutTask(existing, 0))
	require.NoError(t, idx.Upsert(existing.ToSummary()))

	briefing, err := orch.SessionStart("proj", "/home/user/proj")
	require.NoError(t, err)
	require.Equal(t, "existing", briefing.ActiveTask.ID)
}

func TestOnUserPromptNeverAutoSwitches(t *testing.T) {
	orch, st, idx := newTestOrchestrator(t)
	other := &model.Task{ID: "other", Title: "rewrite billing pipeline", State: model.State{Status: model.StatusActive}}
	require.NoError(t, st.PutTask(other, 0))
	require.NoError(t, idx.Upsert(other.ToSummary()))

	// The only match carrying a target is the title-overlap heuristic:
	// "billing" and "pipeline" are shared, scoring 0.3 + 2*0.05 = 0.4.
	suggestions, err := orch.OnUserPrompt("switch to the billing pipeline work", 0.4)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)

	active, err := orch.Scheduler.GetActive()
	require.NoError(t, err)
	require.Empty(t, active, "OnUserPrompt must only suggest, never mutate the active pointer")
}

func TestPreCompactIsNoopWithoutActiveTask(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	require.NoError(t, orch.PreCompact(1000))
}

func TestSessionEndChecksInTouchedTasks(t *testing.T) {
	orch, st, idx := newTestOrchestrator(t)
	now := time.Now().UTC()
	task := &model.Task{ID: "t1", State: model.State{Status: model.StatusActive}, Timing: model.Timing{LastActive: now}}
	require.NoError(t, st.PutTask(task, 0))
	require.NoError(t, idx.Upsert(task.ToSummary()))

	stats, err := orch.SessionEnd(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.TasksCheckpointed)

	reloaded, err := st.GetTask("t1")
	require.NoError(t, err)
	require.Len(t, reloaded.State.Checkpoints, 1)
}

func TestParseHookPayloadRepairsMalformedJSON(t *testing.T) {
	var out struct {
		Utterance string `json:"utterance"`
	}
	malformed := `{"utterance": "switch to billing",}`
	err := ParseHookPayload([]byte(malformed), &out)
	require.NoError(t, err)
	require.Equal(t, "switch to billing", out.Utterance)
}

