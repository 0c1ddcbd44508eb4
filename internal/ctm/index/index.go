// Package index implements the in-memory Index mirror (spec.md §4.3): O(1)
// id lookup and O(N) filtered iteration over task Summaries, rebuilt lazily
// when stale, plus the supplemented Reconcile repair pass
// (SPEC_FULL.md §12).
package index

import (
	"sort"
	"sync"
	"time"

	"ctm/internal/ctm/model"
	"ctm/internal/ctm/store"
	"ctm/internal/ctm/telemetry"
)

// Index is the in-process mirror of the on-disk index record. It is rebuilt
// from the State Store on first use and whenever MarkStale has been called
// since the last rebuild — the same staleness-driven refresh idiom the
// teacher's task_store.go uses for its in-memory listing cache.
type Index struct {
	mu    sync.RWMutex
	st    *store.Store
	log   telemetry.Logger
	stale bool
	cur   *model.Index
}

func New(st *store.Store, log telemetry.Logger) *Index {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Index{st: st, log: log, stale: true}
}

// MarkStale forces the next Get/List/Lookup to rebuild from the store.
func (idx *Index) MarkStale() {
	idx.mu.Lock()
	idx.stale = true
	idx.mu.Unlock()
}

func (idx *Index) ensure() (*model.Index, error) {
	idx.mu.RLock()
	if !idx.stale && idx.cur != nil {
		cur := idx.cur
		idx.mu.RUnlock()
		return cur, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.stale && idx.cur != nil {
		return idx.cur, nil
	}
	cur, err := idx.st.ReadIndex()
	if err != nil {
		return nil, err
	}
	idx.cur = cur
	idx.stale = false
	return idx.cur, nil
}

// Lookup returns a task's Summary by id, if indexed.
func (idx *Index) Lookup(id string) (model.Summary, bool) {
	cur, err := idx.ensure()
	if err != nil {
		return model.Summary{}, false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := cur.Entries[id]
	return s, ok
}

// List returns every Summary matching filter, in id order.
func (idx *Index) List(filter store.Filter) ([]model.Summary, error) {
	cur, err := idx.ensure()
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	now := time.Now().UTC()
	out := make([]model.Summary, 0, len(cur.Entries))
	for _, s := range cur.Entries {
		if filterMatches(filter, s, now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func filterMatches(f store.Filter, s model.Summary, now time.Time) bool {
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

// Upsert writes a task's Summary into the index and persists it.
func (idx *Index) Upsert(summary model.Summary) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, err := idx.ensureLocked()
	if err != nil {
		return err
	}
	cur.Entries[summary.ID] = summary
	if err := idx.st.WriteIndex(cur); err != nil {
		return err
	}
	return nil
}

// Remove deletes a task's entry from the index and persists it.
func (idx *Index) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, err := idx.ensureLocked()
	if err != nil {
		return err
	}
	delete(cur.Entries, id)
	return idx.st.WriteIndex(cur)
}

// ensureLocked is like ensure but assumes idx.mu is already held for write.
func (idx *Index) ensureLocked() (*model.Index, error) {
	if !idx.stale && idx.cur != nil {
		return idx.cur, nil
	}
	cur, err := idx.st.ReadIndex()
	if err != nil {
		return nil, err
	}
	idx.cur = cur
	idx.stale = false
	return idx.cur, nil
}

// Reconcile repairs index/file drift (SPEC_FULL.md §12): any task file on
// disk with no index entry is loaded and re-indexed (orphan recovery); any
// index entry whose task file is missing is dropped (stale-entry pruning).
// It returns the counts of each repair made.
func (idx *Index) Reconcile() (added int, removed int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, err := idx.ensureLocked()
	if err != nil {
		return 0, 0, err
	}

	fileIDs, err := idx.st.ScanTaskFiles()
	if err != nil {
		return 0, 0, err
	}
	onDisk := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		onDisk[id] = true
		if _, ok := cur.Entries[id]; ok {
			continue
		}
		task, err := idx.st.GetTask(id)
		if err != nil {
			idx.log.Warn("reconcile: skipping unreadable task file %s: %v", id, err)
			continue
		}
		cur.Entries[id] = task.ToSummary()
		added++
	}

	for id := range cur.Entries {
		if !onDisk[id] {
			delete(cur.Entries, id)
			removed++
		}
	}

	if added > 0 || removed > 0 {
		if err := idx.st.WriteIndex(cur); err != nil {
			return added, removed, err
		}
	}
	return added, removed, nil
}
