package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/model"
)

func newCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Transition a task to completed and run the extractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return terminalTransition(args[0], model.StatusCompleted, true)
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Transition a task to cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return terminalTransition(args[0], model.StatusCancelled, false)
		},
	}
}

func terminalTransition(taskID string, to model.Status, runExtractor bool) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	task, err := app.Store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !model.CanTransition(task.State.Status, to) {
		return ctmerrors.NewIllegalTransition(taskID, string(task.State.Status), string(to))
	}

	if runExtractor {
		if _, err := app.Ext.ExtractTask(taskID); err != nil {
			app.Log.Warn("complete: extraction failed for %s: %v", taskID, err)
		}
	}

	if _, err := app.Store.UpdateTask(taskID, func(t *model.Task) error {
		t.State.Status = to
		return nil
	}); err != nil {
		return err
	}

	if err := app.Mem.Evict(taskID); err != nil {
		app.Log.Warn("terminal transition: failed to evict %s from working memory: %v", taskID, err)
	}

	updated, err := app.Store.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := app.Index.Upsert(updated.ToSummary()); err != nil {
		return err
	}

	if err := app.Sched.ClearActive(taskID); err != nil {
		app.Log.Warn("terminal transition: failed to clear active pointer: %v", err)
	}

	fmt.Printf("%s %s -> %s\n", green("ok"), taskID, to)
	return nil
}
