// Package result holds job results in memory until they are acknowledged or
// expire.
package result

import (
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is a copy of one stored job. Result is nil while the job is pending.
type Entry struct {
	ID          string
	Kind        job.Kind
	SubmittedAt time.Time
	Result      *job.Result
}

// Pending reports whether the job has no result yet.
func (e Entry) Pending() bool {
	return e.Result == nil
}

// Store maps job IDs to results. A result is written at most once.
// Succeeded results that carry a fingerprint are also indexed by it.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	byPrint   map[string]string // fingerprint to job ID
	retention time.Duration
}

// NewStore creates a store. Terminal results older than retention are
// removed by Sweep; a zero retention keeps them until acknowledged.
func NewStore(retention time.Duration) *Store {
	return &Store{
		entries:   make(map[string]*Entry),
		byPrint:   make(map[string]string),
		retention: retention,
	}
}

// Reserve records a pending entry. The ID must not be in use.
func (s *Store) Reserve(id string, kind job.Kind, submittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return apperrors.Conflict("job", id, "job already exists")
	}
	s.entries[id] = &Entry{ID: id, Kind: kind, SubmittedAt: submittedAt}
	return nil
}

// Unreserve drops a pending entry that will never receive a result.
func (s *Store) Unreserve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && e.Pending() {
		delete(s.entries, id)
	}
}

// Put stores the terminal result for a reserved job. A second write, or a
// write without a reservation, is a consistency error and leaves the store
// unchanged.
func (s *Store) Put(r job.Result) error {
	if !r.State.Terminal() {
		return apperrors.Consistency("result.put", fmt.Sprintf("job %s: state %s is not terminal", r.JobID, r.State))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.JobID]
	if !ok {
		return apperrors.Consistency("result.put", fmt.Sprintf("job %s was never reserved", r.JobID))
	}
	if !e.Pending() {
		return apperrors.Consistency("result.put", fmt.Sprintf("job %s already has a result", r.JobID))
	}
	e.Result = clone(&r)
	if r.State == job.StateSucceeded && r.Fingerprint != "" {
		s.byPrint[r.Fingerprint] = r.JobID
	}
	return nil
}

// Lookup returns the retained succeeded entry with the given fingerprint.
// When several jobs share it, the one that finished last wins.
func (s *Store) Lookup(fingerprint string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPrint[fingerprint]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(s.entries[id]), true
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, apperrors.NotFound("job", id)
	}
	return copyEntry(e), nil
}

// Ack removes a terminal result and returns it so the caller can release
// its artifact. Pending jobs cannot be acknowledged.
func (s *Store) Ack(id string) (job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return job.Result{}, apperrors.NotFound("job", id)
	}
	if e.Pending() {
		return job.Result{}, apperrors.Conflict("job", id, "job is still pending")
	}
	s.remove(e)
	return *e.Result, nil
}

// Sweep removes terminal results that finished more than the retention
// window before now, and returns them.
func (s *Store) Sweep(now time.Time) []job.Result {
	if s.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []job.Result
	for _, e := range s.entries {
		if e.Pending() || e.Result.FinishedAt.After(cutoff) {
			continue
		}
		removed = append(removed, *e.Result)
		s.remove(e)
	}
	return removed
}

// TrimArtifacts evicts the oldest terminal results until the total artifact
// size is at most maxBytes, and returns the evicted results.
func (s *Store) TrimArtifacts(maxBytes int64) []job.Result {
	if maxBytes <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		total    int64
		finished []*Entry
	)
	for _, e := range s.entries {
		if e.Pending() || e.Result.ArtifactSize == 0 {
			continue
		}
		total += e.Result.ArtifactSize
		finished = append(finished, e)
	}
	if total <= maxBytes {
		return nil
	}

	slices.SortFunc(finished, func(a, b *Entry) int {
		return a.Result.FinishedAt.Compare(b.Result.FinishedAt)
	})
	var removed []job.Result
	for _, e := range finished {
		if total <= maxBytes {
			break
		}
		total -= e.Result.ArtifactSize
		removed = append(removed, *e.Result)
		s.remove(e)
	}
	return removed
}

// List returns copies of all entries, oldest submission first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of stored entries, pending included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// remove drops a terminal entry. If it held the fingerprint index, the
// index moves to the newest remaining succeeded entry with that fingerprint.
// Callers hold mu.
func (s *Store) remove(e *Entry) {
	delete(s.entries, e.ID)
	fp := e.Result.Fingerprint
	if fp == "" || s.byPrint[fp] != e.ID {
		return
	}
	delete(s.byPrint, fp)
	var newest *Entry
	for _, o := range s.entries {
		if o.Pending() || o.Result.State != job.StateSucceeded || o.Result.Fingerprint != fp {
			continue
		}
		if newest == nil || o.Result.FinishedAt.After(newest.Result.FinishedAt) {
			newest = o
		}
	}
	if newest != nil {
		s.byPrint[fp] = newest.ID
	}
}

// RemoveArtifact deletes the per-job output directory holding r's artifact.
func RemoveArtifact(r job.Result) error {
	if r.Artifact == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(r.Artifact))
}

func copyEntry(e *Entry) Entry {
	c := *e
	if e.Result != nil {
		c.Result = clone(e.Result)
	}
	return c
}

func clone(r *job.Result) *job.Result {
	c := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	c.Meta = maps.Clone(r.Meta)
	return &c
}
