package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
)

func newTestExtractor(t *testing.T) (*Extractor, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ext, err := New(st)
	require.NoError(t, err)
	return ext, st
}

func TestExtractTaskFindsDecisionsAndLearnings(t *testing.T) {
	ext, st := newTestExtractor(t)
	task := &model.Task{
		ID: "t1",
		Context: model.Context{
			Decisions: []model.Decision{{Text: "We decided to use Postgres for storage"}},
			Learnings: []model.Learning{{Text: "Turns out the retry budget was too small"}},
		},
	}
	require.NoError(t, st.PutTask(task, 0))

	report, err := ext.ExtractTask("t1")
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	require.Len(t, report.Learnings, 1)

	stored, err := ext.Query("t1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestExtractTaskExcludesTrivialTopics(t *testing.T) {
	ext, st := newTestExtractor(t)
	task := &model.Task{
		ID: "t1",
		Context: model.Context{
			Decisions: []model.Decision{{Text: "We decided on a naming convention for variables"}},
		},
	}
	require.NoError(t, st.PutTask(task, 0))

	report, err := ext.ExtractTask("t1")
	require.NoError(t, err)
	require.Empty(t, report.Decisions)
}

func TestExtractTaskDedupesWithinWindow(t *testing.T) {
	ext, st := newTestExtractor(t)
	task := &model.Task{
		ID: "t1",
		Context: model.Context{
			Decisions: []model.Decision{{Text: "We decided to use Postgres for storage"}},
		},
	}
	require.NoError(t, st.PutTask(task, 0))

	first, err := ext.ExtractTask("t1")
	require.NoError(t, err)
	require.Len(t, first.Decisions, 1)

	second, err := ext.ExtractTask("t1")
	require.NoError(t, err)
	require.Empty(t, second.Decisions, "re-extracting the same decision within the dedup window must be suppressed")
}

func TestDetectConflictsFlagsOverlappingSubjectDifferentVerb(t *testing.T) {
	conflicts := detectConflicts("t1", []string{
		"we decided to deploy database on staging",
		"we decided to remove database on staging",
	}, time.Now())
	require.Len(t, conflicts, 1)
}

func TestExtractRecentlyActiveSkipsOutOfWindowTasks(t *testing.T) {
	ext, st := newTestExtractor(t)
	now := time.Now().UTC()

	inWindow := &model.Task{ID: "in", Timing: model.Timing{LastActive: now}, Context: model.Context{
		Decisions: []model.Decision{{Text: "we decided to adopt grpc"}},
	}}
	outOfWindow := &model.Task{ID: "out", Timing: model.Timing{LastActive: now.Add(-5 * time.Hour)}, Context: model.Context{
		Decisions: []model.Decision{{Text: "we decided to adopt rest"}},
	}}
	require.NoError(t, st.PutTask(inWindow, 0))
	require.NoError(t, st.PutTask(outOfWindow, 0))

	reports, err := ext.ExtractRecentlyActive(context.Background(), []*model.Task{inWindow, outOfWindow}, now, time.Hour)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "in", reports[0].TaskID)
}
