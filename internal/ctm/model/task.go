// Package model defines the canonical CTM data shapes: the task record, its
// index projection, scheduler and working-memory state, and the closed
// enumerations that back them.
package model

import "time"

// Status is the lifecycle state of a Task. A closed enumeration — never
// compared by raw string in hot paths.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsQueueable reports whether a task in this status belongs in the
// scheduler queue and Working Memory (invariant 3).
func (s Status) IsQueueable() bool {
	switch s {
	case StatusActive, StatusPaused:
		return true
	default:
		return false
	}
}

// validTransitions enumerates every legal status change (§4.2).
var validTransitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusPaused:    true,
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusActive:    true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusActive: true,
	},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Level is the declared priority level of a task, independent of the
// computed score — used only to break ties (§4.5).
type Level string

const (
	LevelCritical   Level = "critical"
	LevelHigh       Level = "high"
	LevelNormal     Level = "normal"
	LevelLow        Level = "low"
	LevelBackground Level = "background"
)

// Rank returns a smaller-is-higher-priority integer for tie-breaking.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 0
	case LevelHigh:
		return 1
	case LevelNormal:
		return 2
	case LevelLow:
		return 3
	case LevelBackground:
		return 4
	default:
		return 5
	}
}

// Decision, Learning and Deviation are small timestamped context entries.
type Decision struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Learning struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Deviation struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// CheckpointRef is the lightweight pointer a Task keeps to its own
// checkpoint history (the full content lives in the Checkpoint Manager).
type CheckpointRef struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
}

// Context holds everything about where and how the task's work is happening.
type Context struct {
	Project     string      `json:"project,omitempty"`
	KeyFiles    []string    `json:"key_files,omitempty"`
	Decisions   []Decision  `json:"decisions,omitempty"`
	Learnings   []Learning  `json:"learnings,omitempty"`
	Deviations  []Deviation `json:"deviations,omitempty"`
	CurrentStep string      `json:"current_step,omitempty"`
}

// State holds the task's lifecycle and progress bookkeeping.
type State struct {
	Status          Status          `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	PendingActions  []string        `json:"pending_actions,omitempty"`
	LastError       *TaskError      `json:"last_error,omitempty"`
	Checkpoints     []CheckpointRef `json:"checkpoints,omitempty"`
}

// TaskError captures the most recent failure observed on a task.
type TaskError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Recent reports whether the error occurred within the given window of now.
func (e *TaskError) Recent(now time.Time, window time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.Timestamp) <= window
}

// Priority holds every input to calculate_priority plus its last computed
// output (§3.1, §4.5).
type Priority struct {
	Level         Level   `json:"level"`
	Urgency       float64 `json:"urgency"`
	Value         float64 `json:"value"`
	Novelty       float64 `json:"novelty"`
	UserSignal    float64 `json:"user_signal"`
	ComputedScore float64 `json:"computed_score"`
}

// Timing holds every timestamp/duration field tracked for a task.
type Timing struct {
	CreatedAt          time.Time      `json:"created_at"`
	LastActive         time.Time      `json:"last_active"`
	TotalActiveSeconds int64          `json:"total_active_seconds"`
	SessionCount       int            `json:"session_count"`
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
	Deadline           *time.Time     `json:"deadline,omitempty"`

	// SessionStart, when non-nil, is the wall-clock moment this task last
	// became the active task. Scheduler.switch_to and end_session consume
	// it to accumulate TotalActiveSeconds, then clear it.
	SessionStart *time.Time `json:"session_start,omitempty"`
}

// Outputs records what work a task has produced.
type Outputs struct {
	FilesCreated  []string `json:"files_created,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Commits       []string `json:"commits,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

// SessionRef records one session window a task was touched during.
type SessionRef struct {
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
	Project string     `json:"project,omitempty"`
}

const SchemaVersion = 1

// Task is the unit the system reasons about (spec.md §3.1).
type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Goal  string `json:"goal"`

	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Blockers           []string `json:"blockers,omitempty"`
	Tags               []string `json:"tags,omitempty"`

	Context  Context  `json:"context"`
	State    State    `json:"state"`
	Priority Priority `json:"priority"`
	Timing   Timing   `json:"timing"`

	Triggers []string `json:"triggers,omitempty"`
	Outputs  Outputs  `json:"outputs"`

	ParentID      string       `json:"parent_id,omitempty"`
	ChildIDs      []string     `json:"child_ids,omitempty"`
	SchemaVersion int          `json:"schema_version"`
	Sessions      []SessionRef `json:"sessions,omitempty"`

	// Version and ModifiedAt back the State Store's optimistic concurrency
	// control (§4.1). A task freshly decoded from a legacy record with no
	// version field is normalised to Version == 0.
	Version    int       `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// IsBlockedBy reports whether this task's Blockers list still contains an
// outstanding dependency: a blocker id whose status in blockerStatuses
// (keyed by task id) is not completed, or which is missing from the map.
func (t *Task) IsBlockedBy(blockerStatuses map[string]Status) bool {
	for _, id := range t.Blockers {
		status, ok := blockerStatuses[id]
		if !ok || status != StatusCompleted {
			return true
		}
	}
	return false
}

// Summary projects a Task down to its Index entry (§3.1 "Index").
type Summary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     Status    `json:"status"`
	Project    string    `json:"project,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Level      Level     `json:"level"`
	LastActive time.Time `json:"last_active"`
}

// ToSummary builds the Index projection of a Task.
func (t *Task) ToSummary() Summary {
	return Summary{
		ID:         t.ID,
		Title:      t.Title,
		Status:     t.State.Status,
		Project:    t.Context.Project,
		Tags:       append([]string(nil), t.Tags...),
		Level:      t.Priority.Level,
		LastActive: t.Timing.LastActive,
	}
}
