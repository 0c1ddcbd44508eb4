// Package checkpoint implements the Snapshot/Checkpoint Manager
// (spec.md §4.8): durable checkpoints and richer resumption snapshots at
// well-defined trigger points, idempotency leases to suppress duplicate
// hook firings, and context compression with a unified-diff delta of the
// trimmed items, following the teacher's internal/diff generator idiom
// (go-diff/diffmatchpatch).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sergi/go-diff/diffmatchpatch"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

// DefaultLeaseTTL is the idempotency lease lifetime (§4.8: "default 5
// min").
const DefaultLeaseTTL = 5 * time.Minute

// contextLinesKept bounds decisions/learnings/files retained verbatim in a
// Snapshot, and decisions/learnings surviving context compression (§4.8
// "last N decisions").
const contextLinesKept = 5

// Manager is the Snapshot/Checkpoint Manager façade.
type Manager struct {
	st       *store.Store
	log      telemetry.Logger
	leaseTTL time.Duration
	tokEnc   *tiktoken.Tiktoken
}

type Option func(*Manager)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.leaseTTL = ttl
		}
	}
}

func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a Manager. The tiktoken encoding is best-effort: Snapshot's
// EstimatedTokens field is informational only (SPEC_FULL.md §11), so a
// failure to load an encoding never fails checkpointing — it just leaves
// the field at zero.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{st: st, log: telemetry.NoopLogger{}, leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(m)
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		m.tokEnc = enc
	} else {
		m.log.Warn("checkpoint: tiktoken encoding unavailable, snapshot token counts disabled: %v", err)
	}
	return m
}

func (m *Manager) leasePath(taskID string, typ model.CheckpointType) string {
	return filepath.Join(m.st.Root(), ".leases", fmt.Sprintf("%s-%s.lease", taskID, typ))
}

// leaseFresh reports whether a lease for (taskID, typ) is still within TTL,
// implementing §4.8 idempotency: "if the lease is fresh, the trigger is
// skipped".
func (m *Manager) leaseFresh(taskID string, typ model.CheckpointType) bool {
	info, err := os.Stat(m.leasePath(taskID, typ))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < m.leaseTTL
}

func (m *Manager) writeLease(taskID string, typ model.CheckpointType) error {
	path := m.leasePath(taskID, typ)
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// Checkpoint captures a Checkpoint for taskID if no fresh lease exists for
// (taskID, typ) (§4.8), writing it to root/checkpoints/<task>-<timestamp>.json
// and appending a CheckpointRef to the task. Returns (nil, false, nil) when
// skipped due to the lease.
func (m *Manager) Checkpoint(taskID string, typ model.CheckpointType) (*model.Checkpoint, bool, error) {
	if m.leaseFresh(taskID, typ) {
		return nil, false, nil
	}

	task, err := m.st.GetTask(taskID)
	if err != nil {
		return nil, false, err
	}

	cp := &model.Checkpoint{
		TaskID:        taskID,
		Timestamp:     time.Now().UTC(),
		Type:          typ,
		StateSnapshot: task.State,
		ContextCounts: model.ContextCounts{
			Decisions: len(task.Context.Decisions),
			Learnings: len(task.Context.Learnings),
			Files:     len(task.Context.KeyFiles),
		},
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, false, err
	}
	name := fmt.Sprintf("%s-%s.json", taskID, cp.Timestamp.Format("20060102T150405.000000000Z"))
	if err := os.WriteFile(filepath.Join(m.st.Root(), "checkpoints", name), data, 0o644); err != nil {
		return nil, false, err
	}
	if err := m.appendCheckpointRef(task, cp); err != nil {
		return nil, false, err
	}
	if err := m.incrementSessionCheckpoints(); err != nil {
		m.log.Warn("checkpoint: failed to bump session.checkpoints for %s/%s: %v", taskID, typ, err)
	}
	if err := m.writeLease(taskID, typ); err != nil {
		m.log.Warn("checkpoint: failed to write lease for %s/%s: %v", taskID, typ, err)
	}
	return cp, true, nil
}

// incrementSessionCheckpoints bumps the session-wide checkpoint counter
// (§4.5 "session.checkpoints increments by exactly 1" per checkpoint taken,
// not per attempt — a lease-skipped call never reaches here).
func (m *Manager) incrementSessionCheckpoints() error {
	st, err := m.st.ReadSchedulerState()
	if err != nil {
		return err
	}
	st.Session.Checkpoints++
	return m.st.WriteSchedulerState(st)
}

func (m *Manager) appendCheckpointRef(task *model.Task, cp *model.Checkpoint) error {
	_, err := m.st.UpdateTask(task.ID, func(t *model.Task) error {
		t.State.Checkpoints = append(t.State.Checkpoints, model.CheckpointRef{
			Timestamp: cp.Timestamp,
			Summary:   fmt.Sprintf("%s checkpoint (%d%% complete)", cp.Type, t.State.ProgressPercent),
		})
		return nil
	})
	return err
}

// Snapshot builds a standalone resumption document for taskID (§4.8
// "Snapshot content"), trimming decisions/learnings/files to the last
// contextLinesKept and attaching a best-effort informational token count.
func (m *Manager) Snapshot(taskID string) (*model.Snapshot, error) {
	task, err := m.st.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	decisions := trimDecisions(task.Context.Decisions, contextLinesKept)
	learnings := trimLearnings(task.Context.Learnings, contextLinesKept)
	files := trimStrings(task.Context.KeyFiles, contextLinesKept)

	snap := &model.Snapshot{
		TaskID:         taskID,
		Timestamp:      time.Now().UTC(),
		Title:          task.Title,
		Goal:           task.Goal,
		CurrentStep:    task.Context.CurrentStep,
		Decisions:      decisions,
		Learnings:      learnings,
		KeyFiles:       files,
		PendingActions: append([]string(nil), task.State.PendingActions...),
		Blockers:       append([]string(nil), task.Blockers...),
		LastError:      task.State.LastError,
	}
	snap.EstimatedTokens = m.estimateTokens(snap)
	return snap, nil
}

func (m *Manager) estimateTokens(snap *model.Snapshot) int {
	if m.tokEnc == nil {
		return 0
	}
	var b strings.Builder
	b.WriteString(snap.Title)
	b.WriteString(snap.Goal)
	b.WriteString(snap.CurrentStep)
	for _, d := range snap.Decisions {
		b.WriteString(d.Text)
	}
	for _, l := range snap.Learnings {
		b.WriteString(l.Text)
	}
	for _, f := range snap.KeyFiles {
		b.WriteString(f)
	}
	return len(m.tokEnc.Encode(b.String(), nil, nil))
}

// Compress trims a task's decisions/learnings to the last contextLinesKept,
// deduplicates key_files (which are not trimmed), and returns a unified diff
// of what was removed (§4.9 pre-compact "compress oldest context items"). It
// mutates the task in the store and returns the delta to the caller; the
// delta itself is not persisted anywhere.
func (m *Manager) Compress(taskID string) (string, error) {
	var delta string
	_, err := m.st.UpdateTask(taskID, func(t *model.Task) error {
		oldDoc := renderContext(t.Context)

		t.Context.Decisions = trimDecisions(t.Context.Decisions, contextLinesKept)
		t.Context.Learnings = trimLearnings(t.Context.Learnings, contextLinesKept)
		t.Context.KeyFiles = dedupeStrings(t.Context.KeyFiles)

		newDoc := renderContext(t.Context)
		delta = unifiedDiff(oldDoc, newDoc)
		return nil
	})
	if err != nil {
		return "", err
	}
	return delta, nil
}

func renderContext(c model.Context) string {
	var b strings.Builder
	for _, d := range c.Decisions {
		b.WriteString("decision: " + d.Text + "\n")
	}
	for _, l := range c.Learnings {
		b.WriteString("learning: " + l.Text + "\n")
	}
	for _, f := range c.KeyFiles {
		b.WriteString("file: " + f + "\n")
	}
	return b.String()
}

// unifiedDiff builds a readable unified diff of oldText -> newText using
// go-diff's diffmatchpatch, the same library the teacher's internal/diff
// generator uses for context-trimming deltas.
func unifiedDiff(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldText, diffs)
	return dmp.PatchToText(patches)
}

func trimDecisions(items []model.Decision, n int) []model.Decision {
	if len(items) <= n {
		return append([]model.Decision(nil), items...)
	}
	return append([]model.Decision(nil), items[len(items)-n:]...)
}

func trimLearnings(items []model.Learning, n int) []model.Learning {
	if len(items) <= n {
		return append([]model.Learning(nil), items...)
	}
	return append([]model.Learning(nil), items[len(items)-n:]...)
}

func trimStrings(items []string, n int) []string {
	if len(items) <= n {
		return append([]string(nil), items...)
	}
	return append([]string(nil), items[len(items)-n:]...)
}

func dedupeStrings(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, v := range items {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
