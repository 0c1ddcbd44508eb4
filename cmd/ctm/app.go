// Command ctm is the CLI and hook entry point for the Cognitive Task
// Manager core: task spawning/switching/completion, status and briefing
// views, manual checkpoints, and the hidden hook subcommands the host
// environment invokes at session boundaries. Structure follows the
// teacher's cmd/cobra_cli.go: a small App holding shared state, built by
// each subcommand's RunE through newApp (hooks through hookApp).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ctm/internal/ctm/checkpoint"
	"ctm/internal/ctm/config"
	"ctm/internal/ctm/extractor"
	"ctm/internal/ctm/index"
	"ctm/internal/ctm/orchestrator"
	"ctm/internal/ctm/scheduler"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
	"ctm/internal/ctm/workingmem"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// App bundles every component the CLI drives, assembled from config.Load
// (§10.4) by each subcommand that needs it.
type App struct {
	Cfg    config.Config
	Meta   *config.Meta
	Log    telemetry.Logger
	Tel    *telemetry.Providers
	Store  *store.Store
	Index  *index.Index
	Sched  *scheduler.Scheduler
	Mem    *workingmem.Memory
	Ext    *extractor.Extractor
	CP     *checkpoint.Manager
	Orch   *orchestrator.Orchestrator
}

// Close flushes and closes the App's OTel exporters (a no-op when
// CTM_OTLP_ENDPOINT was never set). Every subcommand that builds an App
// should defer this so a configured collector actually receives the step's
// spans before the short-lived CLI process exits (metrics are not exported).
func (a *App) Close(ctx context.Context) error {
	return a.Tel.Shutdown(ctx)
}

func newApp() (*App, error) {
	cfg, meta, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := telemetry.NewLogger(telemetry.ParseLevel(cfg.LogLevel), cfg.LogFormat, os.Stderr)
	return newAppWithLogger(cfg, meta, log)
}

// newAppWithLogger assembles an App from an already-loaded config and a
// caller-supplied logger, letting hook subcommands redirect diagnostics to a
// log file instead of stderr.
func newAppWithLogger(cfg config.Config, meta *config.Meta, log telemetry.Logger) (*App, error) {
	tel, err := telemetry.NewProviders(context.Background(), "ctm", cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.New(cfg.Root, store.WithLogger(log), store.WithRetry(cfg.RetryMaxAttempts, cfg.RetryBaseBackoff))
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	idx := index.New(st, log)
	sched := scheduler.New(st, idx, scheduler.WithWeights(cfg.Weights), scheduler.WithLogger(log), scheduler.WithTelemetry(tel))
	mem := workingmem.New(st, workingmem.WithLimits(cfg.WorkingMemoryMaxHot, cfg.WorkingMemoryBudget), workingmem.WithLogger(log))
	ext, err := extractor.New(st, extractor.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}
	cp := checkpoint.New(st, checkpoint.WithLeaseTTL(cfg.CheckpointLeaseTTL), checkpoint.WithLogger(log))
	orch := orchestrator.New(st, idx, sched, mem, ext, cp, log)
	orch.Tel = tel
	orch.SoftTimeout = cfg.SoftTimeout
	orch.TopK = cfg.TopKBrief
	orch.SessionWindow = cfg.SessionWindow

	return &App{
		Cfg: cfg, Meta: meta, Log: log, Tel: tel,
		Store: st, Index: idx, Sched: sched, Mem: mem, Ext: ext, CP: cp, Orch: orch,
	}, nil
}

// NewRootCommand builds the ctm root cobra command and wires every verb
// from the CLI surface.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ctm",
		Short:         "Cognitive Task Manager — task scheduling, working memory, and session lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCommand(),
		newSpawnCommand(),
		newSwitchCommand(),
		newStatusCommand(),
		newBriefCommand(),
		newCheckpointCommand(),
		newContextCommand(),
		newCompleteCommand(),
		newCancelCommand(),
		newVerifyCommand(),
		newSendCommand(),
		newReceiveCommand(),
		newHookCommand(),
	)

	return root
}

func main() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("ctm: "+err.Error()))
		os.Exit(1)
	}
}
