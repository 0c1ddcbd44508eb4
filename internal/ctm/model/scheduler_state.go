package model

import "time"

// Session is the Scheduler's durable accounting for one lifecycle period
// bounded by session-start and session-end (§3.1 "Scheduler State").
type Session struct {
	Start       time.Time `json:"start"`
	Project     string    `json:"project,omitempty"`
	Switches    int       `json:"switches"`
	Checkpoints int       `json:"checkpoints"`
}

// QueueEntry is one ranked slot in the scheduler queue.
type QueueEntry struct {
	TaskID string  `json:"task_id"`
	Score  float64 `json:"score"`
}

// SchedulerState is the durable global scheduler record (§3.1).
type SchedulerState struct {
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	Queue         []QueueEntry `json:"queue"`
	Session       Session      `json:"session"`
	LastRebuildAt time.Time    `json:"last_rebuild_at"`

	Version    int       `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// WorkingMemorySlot is one hot task held by Working Memory (§3.1).
type WorkingMemorySlot struct {
	TaskID        string    `json:"task_id"`
	LoadedAt      time.Time `json:"loaded_at"`
	LastAccess    time.Time `json:"last_access"`
	AccessCount   int       `json:"access_count"`
	TokenEstimate float64   `json:"token_estimate"`
}

// WorkingMemoryState is the durable working-memory record (§3.1).
type WorkingMemoryState struct {
	Slots []WorkingMemorySlot `json:"slots"`

	Version    int       `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Index is the durable id -> Summary directory (§3.1 "Index").
type Index struct {
	Entries map[string]Summary `json:"entries"`

	Version    int       `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// CheckpointType is a closed enumeration of checkpoint trigger kinds.
type CheckpointType string

const (
	CheckpointManual     CheckpointType = "manual"
	CheckpointPreCompact CheckpointType = "pre_compact"
	CheckpointSessionEnd CheckpointType = "session_end"
)

// ContextCounts records how much context a checkpoint summarised without
// re-copying the full Task Record (§4.8).
type ContextCounts struct {
	Decisions int `json:"decisions"`
	Learnings int `json:"learnings"`
	Files     int `json:"files"`
}

// Checkpoint is a small durable snapshot of a task's state (§3.1), written
// to root/checkpoints by checkpoint.Manager.
type Checkpoint struct {
	TaskID        string         `json:"task_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          CheckpointType `json:"type"`
	StateSnapshot State          `json:"state_snapshot"`
	ContextCounts ContextCounts  `json:"context_summary_counts"`
}

// Snapshot is the richer, self-contained resumption document (§3.1).
type Snapshot struct {
	TaskID         string     `json:"task_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Title          string     `json:"title"`
	Goal           string     `json:"goal"`
	CurrentStep    string     `json:"current_step"`
	Decisions      []Decision `json:"decisions"`
	Learnings      []Learning `json:"learnings"`
	KeyFiles       []string   `json:"key_files"`
	PendingActions []string   `json:"pending_actions"`
	Blockers       []string   `json:"blockers"`
	LastError      *TaskError `json:"last_error,omitempty"`

	// CompressionDelta is a slot for a unified diff of trimmed context items
	// (SPEC_FULL.md §12). Manager.Snapshot does not fill it, and the delta
	// returned by Manager.Compress is not stored here or elsewhere.
	CompressionDelta string `json:"compression_delta,omitempty"`
	// EstimatedTokens is an informational, non-contractual token count of
	// this snapshot document (SPEC_FULL.md §11 — tiktoken-go).
	EstimatedTokens int `json:"estimated_tokens,omitempty"`
}

// RecordKind is a closed enumeration of consolidated-store record kinds.
type RecordKind string

const (
	RecordDecision RecordKind = "decision"
	RecordLearning RecordKind = "learning"
)

// ConsolidatedRecord is one append-only entry in the consolidated store
// (§3.1 "Consolidated Store", §4.7).
type ConsolidatedRecord struct {
	TaskID    string     `json:"task_id"`
	Kind      RecordKind `json:"kind"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	Hash      string     `json:"hash"`
}

// Conflict is one entry in the extractor's conflicts log (§4.7).
type Conflict struct {
	TaskID    string    `json:"task_id"`
	TextA     string    `json:"text_a"`
	TextB     string    `json:"text_b"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}
