package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/model"
)

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Manually checkpoint the active task",
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
				return ctmerrors.NewInvalidInput("active_task", "no active task to checkpoint")
			}
			_, created, err := app.CP.Checkpoint(active, model.CheckpointManual)
			if err != nil {
				return err
			}
			if !created {
				fmt.Println(gray("checkpoint skipped (fresh lease)"))
				return nil
			}
			fmt.Println(green("checkpointed " + active))
			return nil
		},
	}
}
