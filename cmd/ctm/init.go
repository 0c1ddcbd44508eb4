package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/config"
)

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the root directory layout if absent and write default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return err
			}
			app, err := newApp() // side effect: creates the on-disk layout
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Println(green("initialized ctm root at " + cfg.Root))
			return nil
		},
	}
}
