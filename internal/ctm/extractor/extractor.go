// Package extractor implements the Extractor/Consolidator (spec.md §4.7):
// it mines a task's decisions and learnings out of session content,
// fingerprints and deduplicates them, flags conflicts between same-task
// decisions, and appends everything to the consolidated store. Extraction
// across many recently-active tasks at session-end runs through a bounded
// worker pool (golang.org/x/sync/errgroup), following the teacher's
// internal/shared/async goroutine+recover idiom for the per-task workers.
package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

// DedupWindow is how long a fingerprint suppresses re-extraction of the
// same normalised text for the same task (§4.7: "duplicates within a
// 30-day window are suppressed").
const DedupWindow = 30 * 24 * time.Hour

// decisionPatterns and learningPatterns are the §4.7 extraction cues.
var (
	decisionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwe decided\b`),
		regexp.MustCompile(`(?i)\bgoing with\b`),
		regexp.MustCompile(`(?i)\bchose\b`),
		regexp.MustCompile(`(?i)\bswitching to\b`),
	}
	learningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\blearned\b`),
		regexp.MustCompile(`(?i)\bturns out\b`),
		regexp.MustCompile(`(?i)\bgotcha\b`),
	}
	errorFollowUp = regexp.MustCompile(`(?i)\berror\b[:,]?\s*(.+)`)

	// trivialTopics excludes decisions about cosmetic concerns (§4.7:
	// "exclude trivial topics (naming, formatting)").
	trivialTopics = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bnaming\b`),
		regexp.MustCompile(`(?i)\bformatting\b`),
		regexp.MustCompile(`(?i)\bwhitespace\b`),
	}
)

// Report is the result of one extraction pass over a task.
type Report struct {
	TaskID    string
	Decisions []model.ConsolidatedRecord
	Learnings []model.ConsolidatedRecord
	Conflicts []model.Conflict
}

// Extractor is the Extractor/Consolidator façade.
type Extractor struct {
	st  *store.Store
	log telemetry.Logger

	mu       sync.Mutex
	dedupLRU *lru.Cache[string, time.Time]

	maxWorkers int
}

type Option func(*Extractor)

func WithLogger(l telemetry.Logger) Option {
	return func(e *Extractor) { e.log = l }
}

func WithMaxWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// New creates an Extractor. The in-memory dedup cache is a fast-path only;
// the authoritative dedup source is the on-disk consolidated-records log
// (§4.7), consulted whenever the cache misses.
func New(st *store.Store, opts ...Option) (*Extractor, error) {
	cache, err := lru.New[string, time.Time](2048)
	if err != nil {
		return nil, err
	}
	e := &Extractor{st: st, log: telemetry.NoopLogger{}, dedupLRU: cache, maxWorkers: 4}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExtractTask runs extraction for a single task (§4.7: "on demand for any
// given task").
func (e *Extractor) ExtractTask(taskID string) (Report, error) {
	task, err := e.st.GetTask(taskID)
	if err != nil {
		return Report{}, err
	}
	return e.extract(task)
}

// ExtractRecentlyActive runs extraction for every task touched within
// window of now, using a bounded worker pool (§4.7: "runs at session-end
// for all recently-active tasks").
func (e *Extractor) ExtractRecentlyActive(ctx context.Context, candidates []*model.Task, now time.Time, window time.Duration) ([]Report, error) {
	var mu sync.Mutex
	var reports []Report

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)

	for _, task := range candidates {
		task := task
		if now.Sub(task.Timing.LastActive) > window {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("extractor panic [%s]: %v, stack: %s", task.ID, r, debug.Stack())
					err = nil
				}
			}()
			report, extractErr := e.extract(task)
			if extractErr != nil {
				e.log.Warn("extractor: task %s failed: %v", task.ID, extractErr)
				return nil
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (e *Extractor) extract(task *model.Task) (Report, error) {
	report := Report{TaskID: task.ID}

	now := time.Now().UTC()

	var candidateDecisions []string
	for _, d := range task.Context.Decisions {
		if matchesAny(d.Text, decisionPatterns) && !matchesAny(d.Text, trivialTopics) {
			candidateDecisions = append(candidateDecisions, d.Text)
		}
	}

	var candidateLearnings []string
	for _, l := range task.Context.Learnings {
		if matchesAny(l.Text, learningPatterns) {
			candidateLearnings = append(candidateLearnings, l.Text)
		}
	}
	if task.State.LastError != nil {
		if m := errorFollowUp.FindStringSubmatch(task.State.LastError.Message); m != nil {
			candidateLearnings = append(candidateLearnings, strings.TrimSpace(m[1]))
		}
	}

	for _, text := range candidateDecisions {
		rec, fresh, err := e.fingerprint(task.ID, model.RecordDecision, text, now)
		if err != nil {
			return report, err
		}
		if fresh {
			report.Decisions = append(report.Decisions, rec)
		}
	}
	for _, text := range candidateLearnings {
		rec, fresh, err := e.fingerprint(task.ID, model.RecordLearning, text, now)
		if err != nil {
			return report, err
		}
		if fresh {
			report.Learnings = append(report.Learnings, rec)
		}
	}

	report.Conflicts = detectConflicts(task.ID, candidateDecisions, now)

	if err := e.appendRecords(report); err != nil {
		return report, err
	}
	return report, nil
}

// fingerprint computes a stable hash of (task_id, normalized_text) and
// reports whether it is fresh (not seen within DedupWindow). The in-memory
// cache is a fast path; a cache miss falls through to the on-disk
// consolidated log, which is authoritative since the cache is empty on
// every process restart.
func (e *Extractor) fingerprint(taskID string, kind model.RecordKind, text string, now time.Time) (model.ConsolidatedRecord, bool, error) {
	normalized := normalize(text)
	sum := sha256.Sum256([]byte(taskID + "|" + normalized))
	hash := hex.EncodeToString(sum[:])

	e.mu.Lock()
	seenAt, cached := e.dedupLRU.Get(hash)
	e.mu.Unlock()
	if cached && now.Sub(seenAt) < DedupWindow {
		return model.ConsolidatedRecord{}, false, nil
	}

	seen, err := e.st.HasFingerprint(hash, now, DedupWindow)
	if err != nil {
		return model.ConsolidatedRecord{}, false, err
	}
	if seen {
		e.mu.Lock()
		e.dedupLRU.Add(hash, now)
		e.mu.Unlock()
		return model.ConsolidatedRecord{}, false, nil
	}

	e.mu.Lock()
	e.dedupLRU.Add(hash, now)
	e.mu.Unlock()

	return model.ConsolidatedRecord{
		TaskID:    taskID,
		Kind:      kind,
		Text:      text,
		Timestamp: now,
		Hash:      hash,
	}, true, nil
}

// detectConflicts flags pairs of decisions from the same task whose noun
// phrases overlap but whose verb phrases differ (§4.7). This is a coarse
// heuristic: after lowercasing, tokens of five or more characters count as
// nouns and the remaining shorter tokens as verbs.
func detectConflicts(taskID string, decisions []string, now time.Time) []model.Conflict {
	var conflicts []model.Conflict
	for i := 0; i < len(decisions); i++ {
		for j := i + 1; j < len(decisions); j++ {
			nounsA, verbsA := splitPhrase(decisions[i])
			nounsB, verbsB := splitPhrase(decisions[j])
			if !setsOverlap(nounsA, nounsB) {
				continue
			}
			if setsEqual(verbsA, verbsB) {
				continue
			}
			conflicts = append(conflicts, model.Conflict{
				TaskID:    taskID,
				TextA:     decisions[i],
				TextB:     decisions[j],
				Timestamp: now,
				Reason:    "overlapping subject, differing verb phrase",
			})
		}
	}
	return conflicts
}

func splitPhrase(text string) (nouns, verbs map[string]bool) {
	nouns = map[string]bool{}
	verbs = map[string]bool{}
	for _, tok := range strings.Fields(normalize(text)) {
		if len(tok) >= 5 {
			nouns[tok] = true
		} else {
			verbs[tok] = true
		}
	}
	return nouns, verbs
}

func setsOverlap(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// appendRecords writes fresh decisions/learnings and any conflicts to the
// consolidated store's append-only logs (§4.7 "Outputs").
func (e *Extractor) appendRecords(report Report) error {
	if len(report.Decisions) == 0 && len(report.Learnings) == 0 && len(report.Conflicts) == 0 {
		return nil
	}
	all := append(append([]model.ConsolidatedRecord{}, report.Decisions...), report.Learnings...)
	if len(all) > 0 {
		if err := e.st.AppendConsolidatedRecords(all); err != nil {
			return err
		}
	}
	if len(report.Conflicts) > 0 {
		if err := e.st.AppendConflicts(report.Conflicts); err != nil {
			return err
		}
	}
	return nil
}

// Query returns every consolidated record for a task id (SPEC_FULL.md §12
// supplemented query/read surface; no CLI verb calls it).
func (e *Extractor) Query(taskID string) ([]model.ConsolidatedRecord, error) {
	all, err := e.st.ReadConsolidatedRecords()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}
