// Package workingmem implements Working Memory (spec.md §4.4): a bounded
// hot set of task ids, ranked for eviction by a composite recency/access/
// priority score and capped by both slot count and an estimated token
// budget. Working Memory holds ids only and re-fetches task records on
// every access (spec.md §3.2 ownership note).
package workingmem

import (
	"math"
	"sort"
	"time"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

// CharsPerToken is the token-estimation constant (§4.4: "a single character
// counts as 0.25 tokens"), kept as a named, swappable constant rather than
// inlined so the estimator can be retuned without touching call sites.
const CharsPerToken = 4.0

// contextLinesConsidered bounds how many trailing decisions/learnings feed
// the token estimate (§4.4 "last N decisions (default 5)").
const contextLinesConsidered = 5

// Admission is the result of a load attempt.
type Admission int

const (
	Loaded Admission = iota
	Rejected
)

// Memory is the Working Memory façade (§4.4).
type Memory struct {
	st      *store.Store
	log     telemetry.Logger
	maxHot  int
	budget  float64
}

// Option customises a Memory.
type Option func(*Memory)

func WithLimits(maxHot int, budget float64) Option {
	return func(m *Memory) {
		if maxHot > 0 {
			m.maxHot = maxHot
		}
		if budget > 0 {
			m.budget = budget
		}
	}
}

func WithLogger(l telemetry.Logger) Option {
	return func(m *Memory) { m.log = l }
}

// New creates a Memory with the §4.4 defaults (max_hot=5, budget=8000),
// overridable via options (typically sourced from config.Config).
func New(st *store.Store, opts ...Option) *Memory {
	m := &Memory{st: st, log: telemetry.NoopLogger{}, maxHot: 5, budget: 8000}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EstimateTokens implements the §4.4 token estimator: a conservative sum
// over title, goal, the last contextLinesConsidered decisions/learnings,
// current_step, and pending_actions — never reading anything from disk
// beyond the Task Record already in hand.
func EstimateTokens(t *model.Task) float64 {
	chars := len(t.Title) + len(t.Goal) + len(t.Context.CurrentStep)

	decisions := t.Context.Decisions
	if len(decisions) > contextLinesConsidered {
		decisions = decisions[len(decisions)-contextLinesConsidered:]
	}
	for _, d := range decisions {
		chars += len(d.Text)
	}

	learnings := t.Context.Learnings
	if len(learnings) > contextLinesConsidered {
		learnings = learnings[len(learnings)-contextLinesConsidered:]
	}
	for _, l := range learnings {
		chars += len(l.Text)
	}

	for _, a := range t.State.PendingActions {
		chars += len(a)
	}

	return float64(chars) / CharsPerToken
}

// Load admits task_id into Working Memory, evicting colder slots as needed
// to stay within maxHot and budget (§4.4 "load").
func (m *Memory) Load(taskID string) (Admission, error) {
	task, err := m.st.GetTask(taskID)
	if err != nil {
		return Rejected, err
	}
	if task.State.Status.IsTerminal() {
		return Rejected, nil
	}

	wm, err := m.st.ReadWorkingMemoryState()
	if err != nil {
		return Rejected, err
	}

	now := time.Now().UTC()
	for i := range wm.Slots {
		if wm.Slots[i].TaskID == taskID {
			wm.Slots[i].LastAccess = now
			wm.Slots[i].AccessCount++
			return Loaded, m.st.WriteWorkingMemoryState(wm)
		}
	}

	wm.Slots = append(wm.Slots, model.WorkingMemorySlot{
		TaskID:        taskID,
		LoadedAt:      now,
		LastAccess:    now,
		AccessCount:   1,
		TokenEstimate: EstimateTokens(task),
	})

	if _, err := m.enforceLimits(wm); err != nil {
		return Rejected, err
	}
	return Loaded, m.st.WriteWorkingMemoryState(wm)
}

// Touch updates last_access/access_count for an already-loaded task.
func (m *Memory) Touch(taskID string) error {
	wm, err := m.st.ReadWorkingMemoryState()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range wm.Slots {
		if wm.Slots[i].TaskID == taskID {
			wm.Slots[i].LastAccess = now
			wm.Slots[i].AccessCount++
			return m.st.WriteWorkingMemoryState(wm)
		}
	}
	return nil
}

// Evict removes a single task id from Working Memory, if present.
func (m *Memory) Evict(taskID string) error {
	wm, err := m.st.ReadWorkingMemoryState()
	if err != nil {
		return err
	}
	out := wm.Slots[:0]
	for _, s := range wm.Slots {
		if s.TaskID != taskID {
			out = append(out, s)
		}
	}
	wm.Slots = out
	return m.st.WriteWorkingMemoryState(wm)
}

// Snapshot returns every slot ordered coldest (most evictable) first.
func (m *Memory) Snapshot() ([]model.WorkingMemorySlot, error) {
	wm, err := m.st.ReadWorkingMemoryState()
	if err != nil {
		return nil, err
	}
	statuses, scores := m.loadTaskMeta(wm.Slots)
	ranked := rankByEviction(wm.Slots, statuses, scores, time.Now().UTC())
	return ranked, nil
}

// ManagePressure proactively evicts the coldest slots until both the slot
// count and token sum are within limits (§4.4 "manage_pressure"). It
// returns the ids evicted.
func (m *Memory) ManagePressure() ([]string, error) {
	wm, err := m.st.ReadWorkingMemoryState()
	if err != nil {
		return nil, err
	}
	evicted, err := m.enforceLimits(wm)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		if err := m.st.WriteWorkingMemoryState(wm); err != nil {
			return nil, err
		}
	}
	return evicted, nil
}

// enforceLimits evicts terminal-status slots immediately, then the coldest
// remaining slots until count <= maxHot and token sum <= budget. wm is
// mutated in place; the caller persists it.
func (m *Memory) enforceLimits(wm *model.WorkingMemoryState) ([]string, error) {
	var evicted []string

	statuses, scores := m.loadTaskMeta(wm.Slots)

	kept := wm.Slots[:0]
	for _, s := range wm.Slots {
		if st, ok := statuses[s.TaskID]; ok && st.IsTerminal() {
			evicted = append(evicted, s.TaskID)
			continue
		}
		kept = append(kept, s)
	}
	wm.Slots = kept

	for len(wm.Slots) > m.maxHot || tokenSum(wm.Slots) > m.budget {
		ranked := rankByEviction(wm.Slots, statuses, scores, time.Now().UTC())
		if len(ranked) == 0 {
			break
		}
		coldest := ranked[0].TaskID
		out := wm.Slots[:0]
		for _, s := range wm.Slots {
			if s.TaskID != coldest {
				out = append(out, s)
			}
		}
		wm.Slots = out
		evicted = append(evicted, coldest)
	}

	return evicted, nil
}

// loadTaskMeta reads each slot's backing task once, returning both its
// status (for terminal eviction) and its scheduler-computed priority score
// (for the §4.4 eviction formula's priority_norm term).
func (m *Memory) loadTaskMeta(slots []model.WorkingMemorySlot) (map[string]model.Status, map[string]float64) {
	statuses := make(map[string]model.Status, len(slots))
	scores := make(map[string]float64, len(slots))
	for _, s := range slots {
		task, err := m.st.GetTask(s.TaskID)
		if err != nil {
			m.log.Warn("working memory: dropping unreadable slot %s: %v", s.TaskID, err)
			statuses[s.TaskID] = model.StatusCancelled
			continue
		}
		statuses[s.TaskID] = task.State.Status
		scores[s.TaskID] = task.Priority.ComputedScore
	}
	return statuses, scores
}

func tokenSum(slots []model.WorkingMemorySlot) float64 {
	var sum float64
	for _, s := range slots {
		sum += s.TokenEstimate
	}
	return sum
}

// rankByEviction orders slots from coldest (most evictable, index 0) to
// hottest, implementing the §4.4 composite eviction score with per-factor
// min-max normalisation over the current slot set.
func rankByEviction(slots []model.WorkingMemorySlot, statuses map[string]model.Status, scores map[string]float64, now time.Time) []model.WorkingMemorySlot {
	out := append([]model.WorkingMemorySlot(nil), slots...)
	if len(out) == 0 {
		return out
	}

	recency := make([]float64, len(out))
	access := make([]float64, len(out))
	priority := make([]float64, len(out))

	minRecency, maxRecency := math.Inf(1), math.Inf(-1)
	minAccess, maxAccess := math.Inf(1), math.Inf(-1)
	minPriority, maxPriority := math.Inf(1), math.Inf(-1)

	for i, s := range out {
		// recency: larger age (seconds since last access) => colder, so we
		// normalise age directly and invert when composing the score below.
		age := now.Sub(s.LastAccess).Seconds()
		recency[i] = age
		if age < minRecency {
			minRecency = age
		}
		if age > maxRecency {
			maxRecency = age
		}

		acc := float64(s.AccessCount)
		access[i] = acc
		if acc < minAccess {
			minAccess = acc
		}
		if acc > maxAccess {
			maxAccess = acc
		}

		pr := priorityFor(statuses[s.TaskID], scores[s.TaskID])
		priority[i] = pr
		if pr < minPriority {
			minPriority = pr
		}
		if pr > maxPriority {
			maxPriority = pr
		}
	}

	composite := make([]float64, len(out))
	for i := range out {
		recencyNorm := 1 - normalize(recency[i], minRecency, maxRecency) // fresher access => higher norm
		accessNorm := normalize(access[i], minAccess, maxAccess)
		priorityNorm := normalize(priority[i], minPriority, maxPriority)
		composite[i] = 0.5*recencyNorm + 0.3*accessNorm + 0.2*priorityNorm
	}

	idxs := make([]int, len(out))
	for i := range idxs {
		idxs[i] = i
	}
	sort.SliceStable(idxs, func(a, b int) bool {
		ia, ib := idxs[a], idxs[b]
		if composite[ia] != composite[ib] {
			return composite[ia] < composite[ib]
		}
		return out[ia].LoadedAt.Before(out[ib].LoadedAt)
	})

	ranked := make([]model.WorkingMemorySlot, len(out))
	for i, idx := range idxs {
		ranked[i] = out[idx]
	}
	return ranked
}

// priorityFor returns the scheduler's computed priority score for the
// priority_norm term of the §4.4 eviction formula. computedScore is the
// Task Record's Priority.ComputedScore, written by Scheduler.RebuildQueue;
// a task that has never been through a rebuild (e.g. just admitted this
// session) still has the zero value, so it falls back to a coarse
// status-derived estimate rather than always ranking as lowest priority.
func priorityFor(status model.Status, computedScore float64) float64 {
	if computedScore != 0 {
		return computedScore
	}
	switch status {
	case model.StatusActive:
		return 1
	case model.StatusPaused:
		return 0.5
	default:
		return 0
	}
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	return (v - min) / (max - min)
}

