package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/store"
)

func newStatusCommand() *cobra.Command {
	var priority, project string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the queue and working memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			queue, err := app.Sched.GetQueue(0)
			if err != nil {
				return err
			}
			active, err := app.Sched.GetActive()
			if err != nil {
				return err
			}
			slots, err := app.Mem.Snapshot()
			if err != nil {
				return err
			}

			filter := store.Filter{Project: project}
			summaries, err := app.Index.List(filter)
			if err != nil {
				return err
			}
			byID := map[string]string{}
			for _, s := range summaries {
				if priority != "" && string(s.Level) != priority {
					continue
				}
				byID[s.ID] = s.Title
			}
			if priority != "" || project != "" {
				filtered := queue[:0:0]
				for _, q := range queue {
					if _, ok := byID[q.TaskID]; ok {
						filtered = append(filtered, q)
					}
				}
				queue = filtered
			}

			if asJSON {
				out := map[string]any{
					"active":         active,
					"queue":          queue,
					"working_memory": slots,
				}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			if active != "" {
				fmt.Printf("%s %s\n", gray("active:"), green(active))
			} else {
				fmt.Println(gray("active: none"))
			}
			fmt.Println(gray("queue:"))
			for i, q := range queue {
				title := byID[q.TaskID]
				if title == "" {
					title = q.TaskID
				}
				fmt.Printf("  %d. %s (%.3f) %s\n", i+1, q.TaskID, q.Score, gray(title))
			}
			fmt.Println(gray("working memory:"))
			for _, s := range slots {
				fmt.Printf("  %s (%.0f tokens, %d accesses)\n", s.TaskID, s.TokenEstimate, s.AccessCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "filter the queue by priority level")
	cmd.Flags().StringVar(&project, "project", "", "filter the queue by project")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")

	return cmd
}
