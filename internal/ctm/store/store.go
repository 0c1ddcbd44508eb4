// Package store implements the State Store (spec.md §4.1): durable,
// atomic, per-task persistence plus the Index and Scheduler State files.
// Every record write goes through temp-file+rename (§4.1 "Algorithms /
// protocols"); the consolidated JSONL logs are appended to in place instead.
// Every task write is guarded by optimistic concurrency on Version.
package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ctm/internal/ctm/ctmerrors"
	"ctm/internal/ctm/model"
	"ctm/internal/ctm/telemetry"
)

// Filter narrows list_task_ids (§4.1).
type Filter struct {
	Status  model.Status
	Project string
	Tag     string
	OlderThan time.Duration
}

func (f Filter) matches(s model.Summary, now time.Time) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Project != "" && s.Project != f.Project {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range s.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OlderThan > 0 && now.Sub(s.LastActive) < f.OlderThan {
		return false
	}
	return true
}

// Store is the State Store façade. One process-wide handle is obtained via
// New and threaded through every component that needs durable state — the
// teacher's "Global mutable state" note (§9) applies: this is the one
// accessor, not a package-level singleton.
type Store struct {
	root    string
	log     telemetry.Logger
	breaker *ctmerrors.StorageBreaker

	maxRetries   int
	retryBackoff time.Duration

	appendMu  sync.Mutex
	taskLocks sync.Map // task id -> *sync.Mutex, serialises each task's read-check-write section
}

// lockFor returns the mutex guarding taskID's read-check-write section,
// creating one on first use. Holding it for the full span of a PutTask or
// UpdateTask call is what makes the optimistic-concurrency check actually
// exclusive between concurrent callers in this process — without it two
// goroutines can both read the same version, both pass the check, and the
// second rename silently clobbers the first.
func (s *Store) lockFor(taskID string) *sync.Mutex {
	v, _ := s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Option customises a Store.
type Option func(*Store)

func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(s *Store) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// New creates a Store rooted at root, creating the on-disk layout (§6.3) if
// absent.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:         root,
		log:          telemetry.NoopLogger{},
		breaker:      ctmerrors.NewStorageBreaker("state-store", ctmerrors.DefaultBreakerConfig()),
		maxRetries:   3,
		retryBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{
		s.root,
		s.tasksDir(),
		filepath.Join(s.root, "checkpoints"),
		filepath.Join(s.root, "snapshots"),
		filepath.Join(s.root, "consolidated"),
		filepath.Join(s.root, "logs"),
		filepath.Join(s.root, "archive"),
		filepath.Join(s.root, ".leases"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ctmerrors.NewStorageFailure("init root", err)
		}
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) tasksDir() string { return filepath.Join(s.root, "tasks") }

func (s *Store) taskPath(id string) string { return filepath.Join(s.tasksDir(), id) }

func (s *Store) indexPath() string { return filepath.Join(s.root, "index") }

func (s *Store) schedulerPath() string { return filepath.Join(s.root, "scheduler") }

func (s *Store) workingMemoryPath() string { return filepath.Join(s.root, "working_memory") }

func (s *Store) consolidatedPath() string {
	return filepath.Join(s.root, "consolidated", "records.jsonl")
}

func (s *Store) conflictsPath() string {
	return filepath.Join(s.root, "consolidated", "conflicts.jsonl")
}

// writeAtomic implements the §4.1 "temp-file + rename" protocol: write full
// contents to <path>.tmp, fsync it, rename over <path>.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) guardedWrite(op, path string, data []byte) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}
	err := writeAtomic(path, data)
	s.breaker.Mark(err)
	if err != nil {
		wrapped := ctmerrors.NewStorageFailure(op, err)
		s.log.Error("storage failure: %v", wrapped)
		return wrapped
	}
	return nil
}

// guardedRead returns (nil, nil) for a missing file; callers treat nil data
// as "absent".
func (s *Store) guardedRead(op, path string) ([]byte, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		s.breaker.Mark(err)
		return nil, ctmerrors.NewStorageFailure(op, err)
	}
	s.breaker.Mark(nil)
	return data, nil
}

// --- Task records -----------------------------------------------------

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*model.Task, error) {
	data, err := s.guardedRead("get_task", s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ctmerrors.NewNotFound(id)
		}
		return nil, err
	}
	if data == nil {
		return nil, ctmerrors.NewNotFound(id)
	}
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, ctmerrors.NewStorageFailure("decode_task", err)
	}
	// Legacy migration (§4.1): a record with no version field decodes to
	// Version == 0 naturally via Go's zero value; nothing further needed
	// here, put_task/update_task will bump it to 1 on first touch.
	if t.SchemaVersion > model.SchemaVersion {
		return nil, ctmerrors.NewSchemaMismatch(id, t.SchemaVersion, model.SchemaVersion)
	}
	return &t, nil
}

// PutTask atomically replaces a task record. If expectedVersion >= 0, the
// write is rejected with ConcurrentModification unless the currently
// stored version matches. The whole check-then-write section is serialised
// per task id so two concurrent callers can never both observe the same
// expectedVersion as current.
func (s *Store) PutTask(task *model.Task, expectedVersion int) error {
	mu := s.lockFor(task.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.putTaskLocked(task, expectedVersion)
}

// putTaskLocked is PutTask's body, callable by UpdateTask while it already
// holds the per-task lock (sync.Mutex isn't reentrant, so PutTask itself
// must not be called from inside UpdateTask's critical section).
func (s *Store) putTaskLocked(task *model.Task, expectedVersion int) error {
	if expectedVersion >= 0 {
		existing, err := s.GetTask(task.ID)
		if err != nil && !ctmerrors.IsNotFound(err) {
			return err
		}
		actual := 0
		if existing != nil {
			actual = existing.Version
		}
		if actual != expectedVersion {
			return ctmerrors.NewConcurrentModification(task.ID, expectedVersion, actual)
		}
	}

	task.Version = expectedVersion + 1
	if task.SchemaVersion == 0 {
		task.SchemaVersion = model.SchemaVersion
	}
	task.ModifiedAt = time.Now().UTC()

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return ctmerrors.NewStorageFailure("encode_task", err)
	}
	return s.guardedWrite("put_task", s.taskPath(task.ID), data)
}

// UpdateFn mutates a task in place; returning an error aborts the update
// without writing anything.
type UpdateFn func(*model.Task) error

// UpdateTask implements the §4.1 optimistic-concurrency retry loop: read,
// apply fn, attempt write with expected version, retry with backoff on
// ConcurrentModification up to maxRetries, then ConflictAbandoned. The
// entire read-mutate-write sequence runs under id's per-task lock, so a
// concurrent UpdateTask or PutTask on the same id blocks rather than racing
// it — the retry loop above exists for cross-process writers (a second
// ctm process bypassing this in-process lock), not as the sole guard.
func (s *Store) UpdateTask(id string, fn UpdateFn) (*model.Task, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		task, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		version := task.Version
		if err := fn(task); err != nil {
			return nil, err
		}
		task.Timing.LastActive = time.Now().UTC()

		if err := s.putTaskLocked(task, version); err != nil {
			if ctmerrors.IsConcurrentModification(err) {
				lastErr = err
				if attempt < s.maxRetries {
					time.Sleep(s.retryBackoff * time.Duration(attempt+1))
					continue
				}
				return nil, ctmerrors.NewConflictAbandoned(id, attempt+1, err)
			}
			return nil, err
		}
		return task, nil
	}
	return nil, ctmerrors.NewConflictAbandoned(id, s.maxRetries+1, lastErr)
}

// DeleteTask removes a task record outright (§4.1: "used only for
// cancellations that choose to discard state").
func (s *Store) DeleteTask(id string) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}
	err := os.Remove(s.taskPath(id))
	s.breaker.Mark(err)
	if err != nil {
		if os.IsNotExist(err) {
			return ctmerrors.NewNotFound(id)
		}
		return ctmerrors.NewStorageFailure("delete_task", err)
	}
	return nil
}

// ListTaskIDs returns task ids matching filter, derived from the Index
// rather than scanning every task file (§4.3: the Index is authoritative
// for liveness queries).
func (s *Store) ListTaskIDs(idx *model.Index, filter Filter) []string {
	now := time.Now().UTC()
	ids := make([]string, 0, len(idx.Entries))
	for id, summary := range idx.Entries {
		if filter.matches(summary, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- Index --------------------------------------------------------------

func (s *Store) ReadIndex() (*model.Index, error) {
	data, err := s.guardedRead("read_index", s.indexPath())
	if err != nil {
		return nil, err
	}
	idx := &model.Index{Entries: map[string]model.Summary{}}
	if data == nil {
		return idx, nil
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, ctmerrors.NewStorageFailure("decode_index", err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]model.Summary{}
	}
	return idx, nil
}

func (s *Store) WriteIndex(idx *model.Index) error {
	idx.Version++
	idx.ModifiedAt = time.Now().UTC()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return ctmerrors.NewStorageFailure("encode_index", err)
	}
	return s.guardedWrite("write_index", s.indexPath(), data)
}

// --- Scheduler state ------------------------------------------------------

func (s *Store) ReadSchedulerState() (*model.SchedulerState, error) {
	data, err := s.guardedRead("read_scheduler", s.schedulerPath())
	if err != nil {
		return nil, err
	}
	st := &model.SchedulerState{}
	if data == nil {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, ctmerrors.NewStorageFailure("decode_scheduler", err)
	}
	return st, nil
}

func (s *Store) WriteSchedulerState(st *model.SchedulerState) error {
	st.Version++
	st.ModifiedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return ctmerrors.NewStorageFailure("encode_scheduler", err)
	}
	return s.guardedWrite("write_scheduler", s.schedulerPath(), data)
}

// --- Working memory state -------------------------------------------------

func (s *Store) ReadWorkingMemoryState() (*model.WorkingMemoryState, error) {
	data, err := s.guardedRead("read_working_memory", s.workingMemoryPath())
	if err != nil {
		return nil, err
	}
	st := &model.WorkingMemoryState{}
	if data == nil {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, ctmerrors.NewStorageFailure("decode_working_memory", err)
	}
	return st, nil
}

func (s *Store) WriteWorkingMemoryState(st *model.WorkingMemoryState) error {
	st.Version++
	st.ModifiedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return ctmerrors.NewStorageFailure("encode_working_memory", err)
	}
	return s.guardedWrite("write_working_memory", s.workingMemoryPath(), data)
}

// --- Archival -------------------------------------------------------------

// ScanTaskFiles lists every task id with a record on disk, independent of
// the Index — used by Reconcile to detect orphans (SPEC_FULL.md §12).
func (s *Store) ScanTaskFiles() ([]string, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		return nil, ctmerrors.NewStorageFailure("scan_tasks", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Archive moves completed/cancelled task records older than olderThan into
// root/archive and drops them from idx (SPEC_FULL.md §12, spec.md §3.3
// "Archive: optional, offline").
func (s *Store) Archive(idx *model.Index, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	moved := 0
	for id, summary := range idx.Entries {
		if !summary.Status.IsTerminal() {
			continue
		}
		if now.Sub(summary.LastActive) < olderThan {
			continue
		}
		data, err := s.guardedRead("archive_read", s.taskPath(id))
		if err != nil || data == nil {
			continue
		}
		dst := filepath.Join(s.root, "archive", id)
		if err := s.guardedWrite("archive_write", dst, data); err != nil {
			continue
		}
		if err := s.DeleteTask(id); err != nil {
			continue
		}
		delete(idx.Entries, id)
		moved++
	}
	if moved > 0 {
		if err := s.WriteIndex(idx); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// --- Blocker graph (§9 Design Notes) ---------------------------------

// WouldCreateCycle reports whether adding newBlockerID to taskID's blocker
// list would introduce a cycle in the blocker relation, via DFS over
// existing blocker edges (§9: "before accepting a new blocker, perform a
// cycle check by DFS over the blocker relation").
func (s *Store) WouldCreateCycle(taskID, newBlockerID string) (bool, error) {
	if taskID == newBlockerID {
		return true, nil
	}
	visited := map[string]bool{}
	var dfs func(id string) (bool, error)
	dfs = func(id string) (bool, error) {
		if id == taskID {
			return true, nil
		}
		if visited[id] {
			return false, nil
		}
		visited[id] = true
		task, err := s.GetTask(id)
		if err != nil {
			if ctmerrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		for _, b := range task.Blockers {
			found, err := dfs(b)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
		return false, nil
	}
	return dfs(newBlockerID)
}

// --- Consolidated store (§4.7) ---------------------------------------

// appendJSONLines appends one JSON-encoded line per record to path,
// serialised by appendMu so concurrent extractor workers never interleave
// writes (the file itself is append-only, not rewritten via temp+rename).
func (s *Store) appendJSONLines(op, path string, lines [][]byte) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.breaker.Mark(err)
		return ctmerrors.NewStorageFailure(op, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			s.breaker.Mark(err)
			return ctmerrors.NewStorageFailure(op, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			s.breaker.Mark(err)
			return ctmerrors.NewStorageFailure(op, err)
		}
	}
	if err := w.Flush(); err != nil {
		s.breaker.Mark(err)
		return ctmerrors.NewStorageFailure(op, err)
	}
	s.breaker.Mark(nil)
	return nil
}

func readJSONLines[T any](op, path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ctmerrors.NewStorageFailure(op, err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, ctmerrors.NewStorageFailure(op, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, ctmerrors.NewStorageFailure(op, err)
	}
	return out, nil
}

// AppendConsolidatedRecords appends decision/learning records to the
// consolidated store's append-only log (§4.7 "Outputs").
func (s *Store) AppendConsolidatedRecords(records []model.ConsolidatedRecord) error {
	lines := make([][]byte, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return ctmerrors.NewStorageFailure("encode_consolidated_record", err)
		}
		lines = append(lines, data)
	}
	return s.appendJSONLines("append_consolidated", s.consolidatedPath(), lines)
}

// ReadConsolidatedRecords reads every consolidated record, in append order.
func (s *Store) ReadConsolidatedRecords() ([]model.ConsolidatedRecord, error) {
	return readJSONLines[model.ConsolidatedRecord]("read_consolidated", s.consolidatedPath())
}

// AppendConflicts appends conflict entries to the conflicts log (§4.7).
func (s *Store) AppendConflicts(conflicts []model.Conflict) error {
	lines := make([][]byte, 0, len(conflicts))
	for _, c := range conflicts {
		data, err := json.Marshal(c)
		if err != nil {
			return ctmerrors.NewStorageFailure("encode_conflict", err)
		}
		lines = append(lines, data)
	}
	return s.appendJSONLines("append_conflicts", s.conflictsPath(), lines)
}

// ReadConflicts reads every recorded conflict, in append order.
func (s *Store) ReadConflicts() ([]model.Conflict, error) {
	return readJSONLines[model.Conflict]("read_conflicts", s.conflictsPath())
}

// HasFingerprint reports whether hash (which already covers the task id)
// was recorded within window of now, consulting the on-disk consolidated log — the
// authoritative dedup source behind the extractor's in-memory fast path.
func (s *Store) HasFingerprint(hash string, now time.Time, window time.Duration) (bool, error) {
	records, err := s.ReadConsolidatedRecords()
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Hash == hash && now.Sub(r.Timestamp) <= window {
			return true, nil
		}
	}
	return false, nil
}
