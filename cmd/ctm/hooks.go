package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ctm/internal/ctm/config"
	"ctm/internal/ctm/orchestrator"
	"ctm/internal/ctm/telemetry"
)

// newHookCommand wires the four host-environment hook entry points (§6.2):
// session_start, pre_compact, session_end, on_user_prompt. Every hook
// subcommand always exits 0 — internal errors go to the hook log file, never
// to the process exit code, since the host environment's pipeline treats a
// non-zero hook exit as fatal.
func newHookCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Host-environment hook entry points",
		Hidden: true,
	}

	cmd.AddCommand(
		newHookSessionStartCommand(),
		newHookPreCompactCommand(),
		newHookSessionEndCommand(),
		newHookOnUserPromptCommand(),
	)
	return cmd
}

// hookApp opens an App whose logger is redirected to root/logs/hooks.log
// rather than stderr, since a hook's stdout/stderr is often captured by the
// host environment and diagnostics must not leak into it (§6.2).
func hookApp() (*App, error) {
	cfg, meta, err := config.Load()
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(cfg.Root, "logs", "hooks.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log := telemetry.NewLogger(telemetry.ParseLevel(cfg.LogLevel), cfg.LogFormat, f)

	app, err := newAppWithLogger(cfg, meta, log)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// runHook executes fn, recovering any panic and always exiting 0: a hook's
// failure must never abort the host environment's own flow (§6.2 "all hook
// entries return exit code 0 even on internal error"). An error or panic
// escaping fn is appended to root/logs/hooks.log; stderr is used only when
// that file cannot be opened.
func runHook(name string, fn func() error) {
	report := func(format string, args ...any) {
		w := os.Stderr
		if cfg, _, err := config.Load(); err == nil {
			if f, err := os.OpenFile(filepath.Join(cfg.Root, "logs", "hooks.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				defer f.Close()
				w = f
			}
		}
		fmt.Fprintf(w, "ctm hook %s: "+format+"\n", append([]any{name}, args...)...)
	}
	defer func() {
		if r := recover(); r != nil {
			report("panic: %v", r)
		}
	}()
	if err := fn(); err != nil {
		report("%v", err)
	}
}

func newHookSessionStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:  "session_start <working_dir>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runHook("session_start", func() error {
				app, err := hookApp()
				if err != nil {
					return err
				}
				defer app.Close(context.Background())
				cwd := args[0]
				project := filepath.Base(cwd)
				briefing, err := app.Orch.SessionStart(project, cwd)
				if err != nil {
					return err
				}
				fmt.Println(renderBriefing(briefing))
				return nil
			})
			return nil
		},
	}
}

func newHookPreCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use: "pre_compact",
		RunE: func(cmd *cobra.Command, args []string) error {
			runHook("pre_compact", func() error {
				app, err := hookApp()
				if err != nil {
					return err
				}
				defer app.Close(context.Background())
				if err := app.Orch.PreCompact(app.Cfg.CompressionThresholdTokens); err != nil {
					return err
				}
				fmt.Println("ctm: pre_compact complete")
				return nil
			})
			return nil
		},
	}
}

func newHookSessionEndCommand() *cobra.Command {
	return &cobra.Command{
		Use:  "session_end <working_dir>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runHook("session_end", func() error {
				app, err := hookApp()
				if err != nil {
					return err
				}
				defer app.Close(context.Background())
				stats, err := app.Orch.SessionEnd(context.Background())
				if err != nil {
					return err
				}
				fmt.Printf("ctm: session_end — %d switch(es), %d checkpoint(s), %d extracted, %d evicted\n",
					stats.Switches, stats.TasksCheckpointed, stats.TasksExtracted, len(stats.Evicted))
				return nil
			})
			return nil
		},
	}
}

// hookPromptPayload is the on_user_prompt stdin JSON shape: either a raw
// utterance string or {"utterance": "..."}.
type hookPromptPayload struct {
	Utterance string `json:"utterance"`
}

func newHookOnUserPromptCommand() *cobra.Command {
	return &cobra.Command{
		Use: "on_user_prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			runHook("on_user_prompt", func() error {
				app, err := hookApp()
				if err != nil {
					return err
				}
				defer app.Close(context.Background())

				raw, err := orchestrator.ReadStdin()
				if err != nil {
					return err
				}

				var payload hookPromptPayload
				if err := orchestrator.ParseHookPayload(raw, &payload); err != nil || payload.Utterance == "" {
					payload.Utterance = string(raw)
				}

				suggestions, err := app.Orch.OnUserPrompt(payload.Utterance, app.Cfg.PromptActingThreshold)
				if err != nil {
					return err
				}
				if len(suggestions) == 0 {
					return nil
				}
				out, err := json.Marshal(suggestions)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
			return nil
		},
	}
}
