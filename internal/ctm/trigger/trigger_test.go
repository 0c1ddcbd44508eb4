package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
)

func TestDetectStaticCompletePhrase(t *testing.T) {
	matches := Detect("ok I'm done with this one", nil)
	require.NotEmpty(t, matches)
	require.Equal(t, TypeComplete, matches[0].Type)
}

func TestDetectDropsBelowMinConfidence(t *testing.T) {
	matches := Detect("just a regular message about nothing special", nil)
	for _, m := range matches {
		require.GreaterOrEqual(t, m.Confidence, MinConfidence)
	}
}

func TestDetectSortsDescendingByConfidence(t *testing.T) {
	matches := Detect("urgent, mark this complete", nil)
	for i := 1; i < len(matches); i++ {
		require.GreaterOrEqual(t, matches[i-1].Confidence, matches[i].Confidence)
	}
}

func TestDetectCustomTaskTrigger(t *testing.T) {
	tasks := []*model.Task{
		{ID: "t1", Title: "rewrite the billing pipeline", Triggers: []string{"billing stuff"}, State: model.State{Status: model.StatusActive}},
	}
	matches := Detect("let's pick up the billing stuff again", tasks)
	found := false
	for _, m := range matches {
		if m.Type == TypeSwitch && m.TargetTaskID == "t1" {
			found = true
		}
	}
	require.True(t, found)
}

func TestDetectIgnoresTerminalTasks(t *testing.T) {
	tasks := []*model.Task{
		{ID: "t1", Title: "rewrite the billing pipeline", Triggers: []string{"billing stuff"}, State: model.State{Status: model.StatusCompleted}},
	}
	matches := Detect("let's pick up the billing stuff again", tasks)
	for _, m := range matches {
		require.NotEqual(t, "t1", m.TargetTaskID)
	}
}

func TestDetectTitleOverlapHeuristic(t *testing.T) {
	tasks := []*model.Task{
		{ID: "t1", Title: "migrate billing pipeline to kafka", State: model.State{Status: model.StatusActive}},
	}
	matches := Detect("can we get back to the billing pipeline work", tasks)
	found := false
	for _, m := range matches {
		if m.TargetTaskID == "t1" {
			found = true
		}
	}
	require.True(t, found)
}
