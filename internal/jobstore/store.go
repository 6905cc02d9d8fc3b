// Package jobstore is the authoritative in-memory cache of job records.
// All reads return snapshots; all mutation goes through store methods that
// enforce the status transition graph, the set-once native handle, and the
// reserve/commit submission discipline.
package jobstore

import (
	"sync"
	"time"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/job"
)

// Store manages job records with thread-safe access.
type Store struct {
	mu      sync.RWMutex
	records map[string]*job.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]*job.Record),
	}
}

// Reserve claims a job ID slot before submission. Returns a conflict error
// if the ID is already present, which makes submission non-reentrant per ID.
// The slot holds nil until Commit is called.
func (s *Store) Reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return apperrors.Conflict("job", id, "job already exists")
	}
	s.records[id] = nil
	return nil
}

// Commit fills a reserved slot with the initial record.
func (s *Store) Commit(rec *job.Record) {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cp.ID] = &cp
}

// Release removes a job from the store (used to back out a failed
// reservation or to evict). Returns whether the ID was present.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.records[id]
	delete(s.records, id)
	return exists
}

// Get returns a snapshot of a record. A reserved-but-uncommitted slot is
// reported as absent.
func (s *Store) Get(id string) (job.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists || rec == nil {
		return job.Record{}, false
	}
	return *rec, true
}

// SetHandle records the backend-native handle. A handle, once recorded, is
// never reassigned.
func (s *Store) SetHandle(id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || rec == nil {
		return apperrors.NotFound("job", id)
	}
	if rec.Handle != "" {
		return apperrors.Conflict("job", id, "backend handle already recorded")
	}
	rec.Handle = handle
	return nil
}

// Transition moves a record to a new status if the state graph permits it.
// Returns the previous status, whether anything changed, and an error only
// when the record does not exist. Disallowed moves (including terminal
// states and self-transitions) are reported as unchanged, which is what
// makes deletion and repeated monitor observations idempotent.
func (s *Store) Transition(id string, to job.Status, reason string) (job.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || rec == nil {
		return "", false, apperrors.NotFound("job", id)
	}

	prev := rec.Status
	rec.ObservedAt = time.Now()
	if !job.CanTransition(prev, to) {
		return prev, false, nil
	}

	rec.Status = to
	if reason != "" {
		rec.FailureReason = reason
	}
	return prev, true, nil
}

// SetCleanupPending flags or clears the record's owed native deletion.
func (s *Store) SetCleanupPending(id string, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.records[id]; exists && rec != nil {
		rec.CleanupPending = pending
	}
}

// IncrementRetries bumps the submission retry counter.
func (s *Store) IncrementRetries(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.records[id]; exists && rec != nil {
		rec.Retries++
	}
}

// ByBackend returns snapshots of all committed records for one backend.
func (s *Store) ByBackend(bt job.BackendType) []job.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Record
	for _, rec := range s.records {
		if rec != nil && rec.Backend == bt {
			out = append(out, *rec)
		}
	}
	return out
}

// Active returns snapshots of a backend's records that still need
// monitoring: everything not yet in a terminal state.
func (s *Store) Active(bt job.BackendType) []job.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Record
	for _, rec := range s.records {
		if rec != nil && rec.Backend == bt && !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// CleanupPending returns snapshots of a backend's records that still owe a
// native deletion.
func (s *Store) CleanupPending(bt job.BackendType) []job.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []job.Record
	for _, rec := range s.records {
		if rec != nil && rec.Backend == bt && rec.CleanupPending {
			out = append(out, *rec)
		}
	}
	return out
}

// FindByHandle resolves a backend-native handle to a record snapshot.
func (s *Store) FindByHandle(bt job.BackendType, handle string) (job.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec != nil && rec.Backend == bt && rec.Handle == handle {
			return *rec, true
		}
	}
	return job.Record{}, false
}

// Sweep evicts terminal records whose last observation is older than the
// retention period and that owe no native cleanup. Returns the evicted IDs.
func (s *Store) Sweep(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, rec := range s.records {
		if rec == nil {
			continue
		}
		if rec.Status.Terminal() && !rec.CleanupPending && rec.ObservedAt.Before(cutoff) {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
