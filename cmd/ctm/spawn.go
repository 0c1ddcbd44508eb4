package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/idgen"
	"ctm/internal/ctm/model"
)

func newSpawnCommand() *cobra.Command {
	var goal, project, priorityStr, deadlineStr, tagsStr, blockedByStr, parentID string
	var doSwitch bool

	cmd := &cobra.Command{
		Use:   "spawn <title>",
		Short: "Create a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			title := args[0]

			level := model.LevelNormal
			if priorityStr != "" {
				level = model.Level(strings.ToLower(priorityStr))
			}

			var deadline *time.Time
			if deadlineStr != "" {
				d, err := time.Parse(time.RFC3339, deadlineStr)
				if err != nil {
					return ctmerrors.NewInvalidInput("deadline", "must be RFC3339, e.g. 2026-08-01T00:00:00Z")
				}
				deadline = &d
			}

			var tags []string
			if tagsStr != "" {
				tags = strings.Split(tagsStr, ",")
			}

			var blockers []string
			if blockedByStr != "" {
				blockers = strings.Split(blockedByStr, ",")
			}

			now := time.Now().UTC()
			task := &model.Task{
				ID:        idgen.New(),
				Title:     title,
				Goal:      goal,
				Blockers:  blockers,
				Tags:      tags,
				ParentID:  parentID,
				Context:   model.Context{Project: project},
				State:     model.State{Status: model.StatusActive},
				Priority:  model.Priority{Level: level},
				Timing: model.Timing{
					CreatedAt:  now,
					LastActive: now,
					Deadline:   deadline,
				},
			}

			for _, b := range blockers {
				cyclic, err := app.Store.WouldCreateCycle(task.ID, b)
				if err != nil {
					return err
				}
				if cyclic {
					return ctmerrors.NewInvalidInput("blocked_by", fmt.Sprintf("task %q would create a blocker cycle", b))
				}
			}
			if len(blockers) > 0 {
				task.State.Status = model.StatusBlocked
			}

			if err := app.Store.PutTask(task, 0); err != nil {
				return err
			}
			if err := app.Index.Upsert(task.ToSummary()); err != nil {
				return err
			}
			if parentID != "" {
				if _, err := app.Store.UpdateTask(parentID, func(t *model.Task) error {
					t.ChildIDs = append(t.ChildIDs, task.ID)
					return nil
				}); err != nil {
					app.Log.Warn("spawn: failed to link child %s to parent %s: %v", task.ID, parentID, err)
				}
			}

			if doSwitch && task.State.Status != model.StatusBlocked {
				if err := app.Sched.SwitchTo(task.ID); err != nil {
					return err
				}
			}

			fmt.Println(green(task.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "task goal")
	cmd.Flags().StringVar(&project, "project", "", "project path")
	cmd.Flags().StringVar(&priorityStr, "priority", "normal", "priority level")
	cmd.Flags().StringVar(&deadlineStr, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&tagsStr, "tags", "", "comma-separated tags")
	cmd.Flags().StringVar(&blockedByStr, "blocked-by", "", "comma-separated blocker task ids")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&doSwitch, "switch", false, "switch to the new task immediately")

	return cmd
}
