package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/orchestrator"
)

func newBriefCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "brief",
		Short: "Emit the session briefing",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())
			cwd, _ := os.Getwd()
			briefing, err := app.Orch.SessionStart(app.Cfg.Root, cwd)
			if err != nil {
				return err
			}
			fmt.Println(renderBriefing(briefing))
			return nil
		},
	}
}

func renderBriefing(b *orchestrator.Briefing) string {
	var out string
	out += green("Session briefing\n")
	if b.ActiveTask != nil {
		out += fmt.Sprintf("%s %s: %s\n", gray("active task"), b.ActiveTask.ID, b.ActiveTask.Title)
	}
	out += gray("top of queue:\n")
	for i, d := range b.QueueDetail {
		out += fmt.Sprintf("  %d. %s — %s\n", i+1, d.ID, d.Title)
	}
	return out
}
