// Package scheduler implements the Scheduler (spec.md §4.5): the
// priority-ranked queue of non-terminal, non-blocked tasks, the active-task
// pointer, session accounting, and the priority scoring formula.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ctm/internal/ctm/config"
	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/index"
	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

// SessionStats is returned by EndSession (§4.5 "end_session").
type SessionStats struct {
	Switches    int
	Checkpoints int
	TasksTouched int
}

// Scheduler is the Scheduler façade.
type Scheduler struct {
	st      *store.Store
	idx     *index.Index
	log     telemetry.Logger
	weights config.SchedulerWeights
	tel     *telemetry.Providers

	rebuildCount metric.Int64Counter
}

type Option func(*Scheduler)

func WithWeights(w config.SchedulerWeights) Option {
	return func(s *Scheduler) { s.weights = w }
}

func WithLogger(l telemetry.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithTelemetry wires OTel providers into the Scheduler so RebuildQueue
// emits a span and a rebuild counter (SPEC_FULL.md §11 "ambient
// tracing/metrics around ... Scheduler rebuilds").
func WithTelemetry(p *telemetry.Providers) Option {
	return func(s *Scheduler) { s.tel = p }
}

func New(st *store.Store, idx *index.Index, opts ...Option) *Scheduler {
	s := &Scheduler{st: st, idx: idx, log: telemetry.NoopLogger{}, weights: config.DefaultWeights()}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel, _ = telemetry.NewProviders(context.Background(), "ctm-scheduler", "")
	}
	if c, err := s.tel.Meter.Int64Counter("ctm.scheduler.rebuild_queue.count",
		metric.WithDescription("number of RebuildQueue invocations")); err == nil {
		s.rebuildCount = c
	}
	return s
}

// StartSession records session start time and current project (§4.5).
func (s *Scheduler) StartSession(project string) (*model.SchedulerState, error) {
	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return nil, err
	}
	st.Session = model.Session{Start: time.Now().UTC(), Project: project}
	if err := s.st.WriteSchedulerState(st); err != nil {
		return nil, err
	}
	return st, nil
}

// EndSession finalises the session, clearing any dangling active-task
// timer by crediting it the same way SwitchTo does, and returns counters
// accumulated over the session.
func (s *Scheduler) EndSession() (SessionStats, error) {
	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return SessionStats{}, err
	}

	touched := map[string]bool{}
	if st.CurrentTaskID != "" {
		if _, err := s.closeActiveTimer(st.CurrentTaskID); err != nil && !ctmerrors.IsNotFound(err) {
			return SessionStats{}, err
		}
		touched[st.CurrentTaskID] = true
	}

	stats := SessionStats{
		Switches:     st.Session.Switches,
		Checkpoints:  st.Session.Checkpoints,
		TasksTouched: len(touched),
	}

	st.CurrentTaskID = ""
	st.Session = model.Session{}
	if err := s.st.WriteSchedulerState(st); err != nil {
		return stats, err
	}
	return stats, nil
}

// closeActiveTimer accumulates total_active_seconds for taskID using the
// delta since its session_start, then clears session_start.
func (s *Scheduler) closeActiveTimer(taskID string) (*model.Task, error) {
	return s.st.UpdateTask(taskID, func(t *model.Task) error {
		if t.Timing.SessionStart == nil {
			return nil
		}
		delta := time.Since(*t.Timing.SessionStart)
		t.Timing.TotalActiveSeconds += int64(delta.Seconds())
		t.Timing.SessionStart = nil
		return nil
	})
}

// RebuildQueue recomputes scores for all non-terminal, non-blocked tasks,
// promotes blocked tasks whose blockers all completed, demotes newly
// blocked tasks, and sorts the queue descending by score (§4.5).
func (s *Scheduler) RebuildQueue() error {
	ctx, span := s.tel.Tracer.Start(context.Background(), "scheduler.rebuild_queue")
	defer span.End()

	summaries, err := s.idx.List(store.Filter{})
	if err != nil {
		span.RecordError(err)
		return err
	}

	blockerStatus := make(map[string]model.Status, len(summaries))
	for _, sm := range summaries {
		blockerStatus[sm.ID] = sm.Status
	}

	now := time.Now().UTC()
	entries := make([]model.QueueEntry, 0, len(summaries))

	for _, sm := range summaries {
		if sm.Status.IsTerminal() {
			continue
		}
		task, err := s.st.GetTask(sm.ID)
		if err != nil {
			s.log.Warn("rebuild_queue: skipping unreadable task %s: %v", sm.ID, err)
			continue
		}

		blocked := task.IsBlockedBy(blockerStatus)
		switch {
		case blocked && task.State.Status != model.StatusBlocked:
			task.State.Status = model.StatusBlocked
			if _, err := s.st.UpdateTask(task.ID, func(t *model.Task) error {
				t.State.Status = model.StatusBlocked
				return nil
			}); err != nil {
				s.log.Warn("rebuild_queue: failed to block %s: %v", task.ID, err)
			}
			continue
		case !blocked && task.State.Status == model.StatusBlocked:
			if _, err := s.st.UpdateTask(task.ID, func(t *model.Task) error {
				t.State.Status = model.StatusActive
				return nil
			}); err != nil {
				s.log.Warn("rebuild_queue: failed to unblock %s: %v", task.ID, err)
				continue
			}
			task.State.Status = model.StatusActive
		case blocked:
			continue
		}

		score := s.CalculatePriority(task, now)
		entries = append(entries, model.QueueEntry{TaskID: task.ID, Score: score})

		// Persist the continuous score onto the Task record itself so other
		// components (working memory's §4.4 eviction formula) can read the
		// real signal instead of a coarse status-derived proxy.
		if task.Priority.ComputedScore != score {
			if _, err := s.st.UpdateTask(task.ID, func(t *model.Task) error {
				t.Priority.ComputedScore = score
				return nil
			}); err != nil {
				s.log.Warn("rebuild_queue: failed to persist computed_score for %s: %v", task.ID, err)
			}
		}
	}

	// Re-read tasks for tie-breaking since status may have just changed.
	taskByID := make(map[string]*model.Task, len(entries))
	for _, e := range entries {
		t, err := s.st.GetTask(e.TaskID)
		if err == nil {
			taskByID[e.TaskID] = t
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		a, b := taskByID[entries[i].TaskID], taskByID[entries[j].TaskID]
		if a == nil || b == nil {
			return entries[i].TaskID < entries[j].TaskID
		}
		if a.Priority.Level.Rank() != b.Priority.Level.Rank() {
			return a.Priority.Level.Rank() < b.Priority.Level.Rank()
		}
		ad, bd := a.Timing.Deadline, b.Timing.Deadline
		if ad != nil && bd != nil && !ad.Equal(*bd) {
			return ad.Before(*bd)
		}
		if ad != nil && bd == nil {
			return true
		}
		if ad == nil && bd != nil {
			return false
		}
		return a.Timing.CreatedAt.Before(b.Timing.CreatedAt)
	})

	st, err := s.st.ReadSchedulerState()
	if err != nil {
		span.RecordError(err)
		return err
	}
	st.Queue = entries
	st.LastRebuildAt = now
	if err := s.st.WriteSchedulerState(st); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("ctm.scheduler.queue_length", len(entries)))
	if s.rebuildCount != nil {
		s.rebuildCount.Add(ctx, 1)
	}
	return nil
}

// GetQueue returns the top `limit` queue entries (0 means no limit).
func (s *Scheduler) GetQueue(limit int) ([]model.QueueEntry, error) {
	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(st.Queue) {
		return st.Queue, nil
	}
	return st.Queue[:limit], nil
}

// ClearActive closes taskID's active timer and clears the active pointer
// if taskID is still the current task — used when a task reaches a
// terminal status while active, which is not a switch_to (no new task
// becomes active).
func (s *Scheduler) ClearActive(taskID string) error {
	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return err
	}
	if st.CurrentTaskID != taskID {
		return nil
	}
	if _, err := s.closeActiveTimer(taskID); err != nil && !ctmerrors.IsNotFound(err) {
		return err
	}
	st.CurrentTaskID = ""
	return s.st.WriteSchedulerState(st)
}

// GetActive returns the current active task id, or "".
func (s *Scheduler) GetActive() (string, error) {
	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return "", err
	}
	return st.CurrentTaskID, nil
}

// SwitchTo moves the active pointer to taskID, crediting the previously
// active task's total_active_seconds and starting the new task's timer
// (§4.5 "switch_to").
func (s *Scheduler) SwitchTo(taskID string) error {
	if _, err := s.st.GetTask(taskID); err != nil {
		return err
	}

	st, err := s.st.ReadSchedulerState()
	if err != nil {
		return err
	}

	if st.CurrentTaskID != "" && st.CurrentTaskID != taskID {
		if _, err := s.closeActiveTimer(st.CurrentTaskID); err != nil && !ctmerrors.IsNotFound(err) {
			return err
		}
	}

	now := time.Now().UTC()
	if _, err := s.st.UpdateTask(taskID, func(t *model.Task) error {
		t.Timing.SessionStart = &now
		t.Timing.SessionCount++
		return nil
	}); err != nil {
		return err
	}

	st.CurrentTaskID = taskID
	st.Session.Switches++
	return s.st.WriteSchedulerState(st)
}

// CalculatePriority implements the §4.5 weighted scoring formula.
func (s *Scheduler) CalculatePriority(task *model.Task, now time.Time) float64 {
	score := s.weights.Urgency*urgencyFactor(task, now) +
		s.weights.Recency*recencyFactor(task, now) +
		s.weights.Value*clamp01(task.Priority.Value) +
		s.weights.Novelty*noveltyFactor(task, now) +
		s.weights.UserSignal*userSignalFactor(task) +
		s.weights.ErrorBoost*errorBoostFactor(task, now)
	return clamp01(score)
}

func urgencyFactor(task *model.Task, now time.Time) float64 {
	if task.Timing.Deadline == nil {
		return 0.5
	}
	daysToDeadline := task.Timing.Deadline.Sub(now).Hours() / 24
	switch {
	case daysToDeadline < 0:
		return 1.0
	case daysToDeadline <= 3:
		return 0.9
	case daysToDeadline <= 7:
		return 0.7
	default:
		return 0.5 * math.Min(1, 14/daysToDeadline)
	}
}

func recencyFactor(task *model.Task, now time.Time) float64 {
	ageHours := now.Sub(task.Timing.LastActive).Hours()
	return math.Exp2(-ageHours / 24)
}

func noveltyFactor(task *model.Task, now time.Time) float64 {
	ageDays := now.Sub(task.Timing.CreatedAt).Hours() / 24
	return math.Exp2(-ageDays / 7)
}

func userSignalFactor(task *model.Task) float64 {
	return (clampSigned(task.Priority.UserSignal) + 1) / 2
}

func errorBoostFactor(task *model.Task, now time.Time) float64 {
	if task.State.LastError.Recent(now, 24*time.Hour) {
		return 1.0
	}
	return 0.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSigned(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
