// Package orchestrator implements the Lifecycle Orchestrator (spec.md
// §4.9): it translates external events — session start/end, pre-compact,
// user prompts — into ordered, fail-silent calls into the Scheduler,
// Working Memory, Trigger Detector, Extractor and Checkpoint Manager.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/codes"

	"ctm/internal/ctm/checkpoint"
	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/extractor"
	"ctm/internal/ctm/idgen"
	"ctm/internal/ctm/index"
	"ctm/internal/ctm/model"
	"ctm/internal/ctm/scheduler"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
	"ctm/internal/ctm/trigger"
	"ctm/internal/ctm/workingmem"
)

// DefaultSoftTimeout bounds any single orchestrator step (§4.9's hooks run
// under a "fail-silent" contract: a slow step must not hang the host
// environment's hook pipeline).
const DefaultSoftTimeout = 5 * time.Second

// DefaultTopK is how many queue entries are admitted to Working Memory at
// session start (§4.9: "admit top K (default 3-5)").
const DefaultTopK = 5

// DefaultSessionWindow bounds which tasks session-end treats as "recently
// touched" (§4.8/§4.9: "session window (default 1 hour)").
const DefaultSessionWindow = 1 * time.Hour

// Orchestrator is the Lifecycle Orchestrator façade.
type Orchestrator struct {
	Store      *store.Store
	Index      *index.Index
	Scheduler  *scheduler.Scheduler
	Memory     *workingmem.Memory
	Extractor  *extractor.Extractor
	Checkpoint *checkpoint.Manager
	Log        telemetry.Logger
	Tel        *telemetry.Providers

	SoftTimeout   time.Duration
	TopK          int
	SessionWindow time.Duration
}

// New assembles an Orchestrator from its component dependencies.
func New(st *store.Store, idx *index.Index, sched *scheduler.Scheduler, mem *workingmem.Memory, ext *extractor.Extractor, cp *checkpoint.Manager, log telemetry.Logger) *Orchestrator {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	tel, _ := telemetry.NewProviders(context.Background(), "ctm-orchestrator", "")
	return &Orchestrator{
		Store:         st,
		Index:         idx,
		Scheduler:     sched,
		Memory:        mem,
		Extractor:     ext,
		Checkpoint:    cp,
		Log:           log,
		Tel:           tel,
		SoftTimeout:   DefaultSoftTimeout,
		TopK:          DefaultTopK,
		SessionWindow: DefaultSessionWindow,
	}
}

// step runs fn under a soft timeout inside its own span, logging and
// swallowing any error (§4.9: "ordered, fail-silent invocations"; SPEC_FULL.md
// §11 "ambient tracing ... around orchestrator steps"). The CLI boundary,
// unlike the hook boundary, surfaces errors directly rather than calling this
// helper.
func (o *Orchestrator) step(name string, fn func() error) {
	_, span := o.Tel.Tracer.Start(context.Background(), "orchestrator."+name)
	defer span.End()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in step %s: %v", name, r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.Log.Warn("orchestrator step %q failed (ignored): %v", name, err)
		}
	case <-time.After(o.SoftTimeout):
		span.SetStatus(codes.Error, "timeout")
		o.Log.Warn("orchestrator step %q timed out after %s (ignored)", name, o.SoftTimeout)
	}
}

// Briefing is the multi-section document produced at session start
// (§4.9: "generate a briefing document").
type Briefing struct {
	Project     string
	ActiveTask  *model.Task
	TopQueue    []model.QueueEntry
	QueueDetail []model.Summary
}

// SessionStart runs the §4.9 session-start sequence.
func (o *Orchestrator) SessionStart(project, cwd string) (*Briefing, error) {
	briefing := &Briefing{Project: project}

	o.step("load_scheduler_state", func() error {
		_, err := o.Scheduler.StartSession(project)
		return err
	})

	o.step("reconcile_index", func() error {
		_, _, err := o.Index.Reconcile()
		return err
	})

	o.step("rebuild_queue", func() error { return o.Scheduler.RebuildQueue() })

	o.step("admit_top_k", func() error {
		entries, err := o.Scheduler.GetQueue(o.TopK)
		if err != nil {
			return err
		}
		briefing.TopQueue = entries
		for _, e := range entries {
			if _, err := o.Memory.Load(e.TaskID); err != nil {
				o.Log.Warn("session_start: failed to load %s into working memory: %v", e.TaskID, err)
			}
			if summary, ok := o.Index.Lookup(e.TaskID); ok {
				briefing.QueueDetail = append(briefing.QueueDetail, summary)
			}
		}
		return nil
	})

	o.step("auto_find_or_create", func() error {
		task, err := o.findOrCreateByProject(project, cwd)
		if err != nil {
			return err
		}
		briefing.ActiveTask = task
		return nil
	})

	return briefing, nil
}

// findOrCreateByProject implements §4.9's optional auto-find-or-create
// step: reuse an existing non-terminal task whose context.project matches
// project, or mint a new one titled after cwd.
func (o *Orchestrator) findOrCreateByProject(project, cwd string) (*model.Task, error) {
	summaries, err := o.Index.List(store.Filter{Project: project})
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		if !s.Status.IsTerminal() {
			return o.Store.GetTask(s.ID)
		}
	}

	task := &model.Task{
		ID:   idgen.New(),
		Title: fmt.Sprintf("Work in %s", cwd),
		Goal: "auto-created from session start",
		Context: model.Context{
			Project: project,
		},
		State: model.State{Status: model.StatusActive},
		Priority: model.Priority{Level: model.LevelNormal},
		Timing: model.Timing{
			CreatedAt:  time.Now().UTC(),
			LastActive: time.Now().UTC(),
		},
	}
	if err := o.Store.PutTask(task, 0); err != nil {
		return nil, err
	}
	if err := o.Index.Upsert(task.ToSummary()); err != nil {
		return nil, err
	}
	return task, nil
}

// PreCompact runs the §4.9 pre-compact sequence for the current active
// task.
func (o *Orchestrator) PreCompact(compressionThresholdTokens float64) error {
	active, err := o.Scheduler.GetActive()
	if err != nil {
		return err
	}
	if active == "" {
		return nil
	}

	o.step("checkpoint_active", func() error {
		_, _, err := o.Checkpoint.Checkpoint(active, model.CheckpointPreCompact)
		return err
	})

	o.step("manage_pressure", func() error {
		_, err := o.Memory.ManagePressure()
		return err
	})

	o.step("capture_snapshot", func() error {
		_, err := o.Checkpoint.Snapshot(active)
		return err
	})

	o.step("compress_if_oversized", func() error {
		task, err := o.Store.GetTask(active)
		if err != nil {
			return err
		}
		if workingmem.EstimateTokens(task) <= compressionThresholdTokens {
			return nil
		}
		_, err = o.Checkpoint.Compress(active)
		return err
	})

	return nil
}

// PromptSuggestion is a user-facing hint derived from a detected trigger;
// the orchestrator never switches tasks automatically (§4.9 "User
// prompt").
type PromptSuggestion struct {
	Kind         string
	TargetTaskID string
	Message      string
	Confidence   float64
}

// OnUserPrompt runs the §4.9 user-prompt sequence and returns suggestions
// above the acting confidence threshold.
func (o *Orchestrator) OnUserPrompt(utterance string, actingThreshold float64) ([]PromptSuggestion, error) {
	active, err := o.Scheduler.GetActive()
	if err != nil {
		return nil, err
	}

	summaries, err := o.Index.List(store.Filter{})
	if err != nil {
		return nil, err
	}
	candidates := make([]*model.Task, 0, len(summaries))
	for _, s := range summaries {
		if s.Status.IsTerminal() {
			continue
		}
		t, err := o.Store.GetTask(s.ID)
		if err != nil {
			continue
		}
		candidates = append(candidates, t)
	}

	matches := trigger.Detect(utterance, candidates)

	var suggestions []PromptSuggestion
	for _, m := range matches {
		if m.Confidence < actingThreshold {
			continue
		}
		switch m.Type {
		case trigger.TypeSwitch:
			if m.TargetTaskID == "" || m.TargetTaskID == active {
				continue
			}
			suggestions = append(suggestions, PromptSuggestion{
				Kind:         "suggest_switch",
				TargetTaskID: m.TargetTaskID,
				Message:      fmt.Sprintf("Switch to task %s?", m.TargetTaskID),
				Confidence:   m.Confidence,
			})
		case trigger.TypeComplete:
			if active == "" {
				continue
			}
			suggestions = append(suggestions, PromptSuggestion{
				Kind:         "suggest_complete",
				TargetTaskID: active,
				Message:      "Mark the current task complete?",
				Confidence:   m.Confidence,
			})
		case trigger.TypeEscalate:
			if active == "" {
				continue
			}
			suggestions = append(suggestions, PromptSuggestion{
				Kind:         "suggest_escalate",
				TargetTaskID: active,
				Message:      "Boost priority of the current task?",
				Confidence:   m.Confidence,
			})
		}
	}
	return suggestions, nil
}

// SessionEndStats summarises a session-end pass.
type SessionEndStats struct {
	scheduler.SessionStats
	TasksCheckpointed int
	TasksExtracted    int
	Evicted           []string
}

// SessionEnd runs the §4.9 session-end sequence.
func (o *Orchestrator) SessionEnd(ctx context.Context) (SessionEndStats, error) {
	var stats SessionEndStats
	now := time.Now().UTC()

	summaries, err := o.Index.List(store.Filter{})
	if err != nil {
		return stats, err
	}
	var touched []*model.Task
	for _, s := range summaries {
		if s.Status.IsTerminal() {
			continue
		}
		if now.Sub(s.LastActive) > o.SessionWindow {
			continue
		}
		t, err := o.Store.GetTask(s.ID)
		if err != nil {
			continue
		}
		touched = append(touched, t)
	}

	o.step("checkpoint_touched", func() error {
		for _, t := range touched {
			if _, ok, err := o.Checkpoint.Checkpoint(t.ID, model.CheckpointSessionEnd); err == nil && ok {
				stats.TasksCheckpointed++
			}
			if t.State.Status == model.StatusActive || t.State.Status == model.StatusPaused {
				if _, err := o.Checkpoint.Snapshot(t.ID); err != nil {
					o.Log.Warn("session_end: snapshot failed for %s: %v", t.ID, err)
				}
			}
		}
		return nil
	})

	o.step("run_extractor", func() error {
		reports, err := o.Extractor.ExtractRecentlyActive(ctx, touched, now, o.SessionWindow)
		stats.TasksExtracted = len(reports)
		return err
	})

	o.step("manage_pressure", func() error {
		evicted, err := o.Memory.ManagePressure()
		stats.Evicted = evicted
		return err
	})

	sessStats, err := o.Scheduler.EndSession()
	if err != nil {
		return stats, err
	}
	stats.SessionStats = sessStats
	return stats, nil
}

// ParseHookPayload decodes a hook's stdin JSON payload, repairing common
// malformations (trailing commas, unquoted keys, truncation from an
// interrupted write) via kaptinlin/jsonrepair before giving up.
func ParseHookPayload(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return ctmerrors.NewInvalidInput("hook_payload", "malformed JSON and unrepairable: "+err.Error())
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return ctmerrors.NewInvalidInput("hook_payload", "repaired JSON still invalid: "+err.Error())
	}
	return nil
}

// ReadStdin is a small convenience used by cmd/ctm's hook subcommands.
func ReadStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
