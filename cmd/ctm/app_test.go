package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/orchestrator"
)

func TestNewAppBuildsStoreUnderConfiguredRoot(t *testing.T) {
	t.Setenv("CTM_ROOT", t.TempDir())

	app, err := newApp()
	require.NoError(t, err)
	defer app.Close(context.Background())
	require.NotNil(t, app.Orch)
	require.NotNil(t, app.Store)

	briefing, err := app.Orch.SessionStart("proj", "/home/user/proj")
	require.NoError(t, err)
	require.NotNil(t, briefing.ActiveTask)
}

func TestRenderBriefingListsActiveTaskAndQueue(t *testing.T) {
	b := &orchestrator.Briefing{
		ActiveTask:  &model.Task{ID: "t1", Title: "rewrite billing pipeline"},
		QueueDetail: []model.Summary{{ID: "t2", Title: "migrate auth"}},
	}

	out := renderBriefing(b)
	require.Contains(t, out, "t1")
	require.Contains(t, out, "rewrite billing pipeline")
	require.True(t, strings.Contains(out, "t2") && strings.Contains(out, "migrate auth"))
}
