package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
)

// newVerifyCommand exposes the acceptance-criteria data the core holds for
// a task; actual verification execution is an external surface (spec.md
// §6.1: "the core only exposes the acceptance-criteria data").
func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Show a task's acceptance criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			task, err := app.Store.GetTask(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(task.AcceptanceCriteria, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate <id>",
		Short: "Generate acceptance criteria (external verification surface, not implemented by the core)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctmerrors.NewInvalidInput("verify_generate", "acceptance-criteria generation is an external surface; the core only stores and serves criteria data")
		},
	})

	return cmd
}
