package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSwitchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <id>",
		Short: "Make the given task active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			if err := app.Sched.SwitchTo(args[0]); err != nil {
				return err
			}
			if _, err := app.Mem.Load(args[0]); err != nil {
				app.Log.Warn("switch: failed to load %s into working memory: %v", args[0], err)
			}
			fmt.Println(green("switched to " + args[0]))
			return nil
		},
	}
}
