package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/model"
)

func newContextCommand() *cobra.Command {
	top := &cobra.Command{
		Use:   "context",
		Short: "Append to the active task's context",
	}

	var decision, learning, file, deadlineStr string

	add := &cobra.Command{
		Use:   "add",
		Short: "Add a decision, learning, file, or deadline to the active task",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			active, err := app.Sched.GetActive()
			if err != nil {
				return err
			}
			if active == "" {
				return ctmerrors.NewInvalidInput("active_task", "no active task")
			}

			var deadline *time.Time
			if deadlineStr != "" {
				d, err := time.Parse(time.RFC3339, deadlineStr)
				if err != nil {
					return ctmerrors.NewInvalidInput("deadline", "must be RFC3339")
				}
				deadline = &d
			}

			_, err = app.Store.UpdateTask(active, func(t *model.Task) error {
				now := time.Now().UTC()
				if decision != "" {
					t.Context.Decisions = append(t.Context.Decisions, model.Decision{Text: decision, Timestamp: now})
				}
				if learning != "" {
					t.Context.Learnings = append(t.Context.Learnings, model.Learning{Text: learning, Timestamp: now})
				}
				if file != "" {
					t.Context.KeyFiles = append(t.Context.KeyFiles, file)
				}
				if deadline != nil {
					t.Timing.Deadline = deadline
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Println(green("context updated for " + active))
			return nil
		},
	}
	add.Flags().StringVar(&decision, "decision", "", "decision text")
	add.Flags().StringVar(&learning, "learning", "", "learning text")
	add.Flags().StringVar(&file, "file", "", "key file path")
	add.Flags().StringVar(&deadlineStr, "deadline", "", "deadline (RFC3339)")

	top.AddCommand(add)
	return top
}
