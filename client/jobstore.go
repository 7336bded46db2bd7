/*
jobstore.go - Client-side cache of ledger records

PURPOSE:
  Holds the last record the client saw for each job. It is the basis for
  local validation and for presentation, and is never authoritative: every
  entry came from the ledger.

INVARIANTS:
  1. NO REGRESSION: Put refuses a record older than the cached version.
  2. DERIVED OPEN INDEX: OpenJobs is computed from the records on every
     call, so it cannot drift from them.
  3. PUSH: every accepted mutation notifies subscribers after the lock is
     released.

Only the engine mutates the store.
*/
package client

import (
	"sync"
	"time"

	"github.com/warp/escrow-ledger/market"
)

// Change is delivered to subscribers after the cache changed.
type Change struct {
	JobIDs []market.JobID
	At     time.Time
}

type entry struct {
	rec       market.JobRecord
	fetchedAt time.Time
}

type JobStore struct {
	mu          sync.RWMutex
	entries     map[market.JobID]entry
	refreshedAt time.Time

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	now func() time.Time
}

func NewJobStore() *JobStore {
	return &JobStore{
		entries: make(map[market.JobID]entry),
		subs:    make(map[int]func(Change)),
		now:     time.Now,
	}
}

// Get returns the cached record for id.
func (s *JobStore) Get(id market.JobID) (market.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.rec, ok
}

// FetchedAt reports when the entry for id was last confirmed by the ledger.
func (s *JobStore) FetchedAt(id market.JobID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.fetchedAt, ok
}

// RefreshedAt is the completion time of the last bulk refresh.
func (s *JobStore) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AllJobs returns every cached record, ascending by id.
func (s *JobStore) AllJobs() []market.JobRecord {
	return market.AllJobs(s.records())
}

// OpenJobs returns the cached Open records, ascending by id.
func (s *JobStore) OpenJobs() []market.JobRecord {
	return market.OpenJobs(s.records())
}

func (s *JobStore) records() []market.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.JobRecord, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rec)
	}
	return out
}

// Put stores rec unless the cache already holds a newer version. It
// reports whether the cached version changed.
func (s *JobStore) Put(rec market.JobRecord) bool {
	changed := s.putAll([]market.JobRecord{rec})
	return len(changed) == 1
}

// PutAll stores each record subject to the same version rule and sends a
// single notification listing the ids whose version changed.
func (s *JobStore) PutAll(recs []market.JobRecord) []market.JobID {
	return s.putAll(recs)
}

func (s *JobStore) putAll(recs []market.JobRecord) []market.JobID {
	if len(recs) == 0 {
		return nil
	}
	now := s.now()

	s.mu.Lock()
	var changed []market.JobID
	for _, rec := range recs {
		cur, ok := s.entries[rec.ID]
		if ok && cur.rec.Version > rec.Version {
			continue
		}
		s.entries[rec.ID] = entry{rec: rec, fetchedAt: now}
		if !ok || cur.rec.Version != rec.Version {
			changed = append(changed, rec.ID)
		}
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(Change{JobIDs: changed, At: now})
	}
	return changed
}

func (s *JobStore) markRefreshed() {
	s.mu.Lock()
	s.refreshedAt = s.now()
	s.mu.Unlock()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Subscribe registers fn for cache changes and returns a function that
// removes it. fn runs on the goroutine that changed the cache.
func (s *JobStore) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *JobStore) notify(c Change) {
	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
