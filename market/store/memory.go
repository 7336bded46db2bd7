// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/escrow-ledger/market"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	jobs        map[market.JobID]market.JobRecord
	transitions map[market.JobID][]market.Transition
	movements   []market.EscrowMovement
	idempotency map[string]market.Transition
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[market.JobID]market.JobRecord),
		transitions: make(map[market.JobID][]market.Transition),
		idempotency: make(map[string]market.Transition),
	}
}

var _ market.TxStore = (*Memory)(nil)

func (m *Memory) NextJobID(_ context.Context) (market.JobID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return market.JobID(len(m.jobs) + 1), nil
}

func (m *Memory) InsertJob(_ context.Context, rec market.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) insertLocked(rec market.JobRecord) error {
	if _, exists := m.jobs[rec.ID]; exists {
		return market.ErrConcurrentModification
	}
	m.jobs[rec.ID] = rec
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, rec market.JobRecord, prevVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(rec, prevVersion)
}

func (m *Memory) updateLocked(rec market.JobRecord, prevVersion uint64) error {
	cur, ok := m.jobs[rec.ID]
	if !ok {
		return market.ErrNotFound
	}
	if cur.Version != prevVersion {
		return market.ErrConcurrentModification
	}
	m.jobs[rec.ID] = rec
	return nil
}

func (m *Memory) GetJob(_ context.Context, id market.JobID) (market.JobRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	return rec, ok, nil
}

func (m *Memory) ListJobs(_ context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(from, to), nil
}

func (m *Memory) listLocked(from, to market.JobID) []market.JobRecord {
	var out []market.JobRecord
	for id := from; id <= to && id != 0; id++ {
		rec, ok := m.jobs[id]
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out
}

func (m *Memory) CountJobs(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.jobs)), nil
}

func (m *Memory) OpenJobIDs(_ context.Context) ([]market.JobID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openLocked(), nil
}

func (m *Memory) openLocked() []market.JobID {
	var ids []market.JobID
	for id, rec := range m.jobs {
		if rec.Status == market.StatusOpen {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Memory) AppendTransition(_ context.Context, t market.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransitionLocked(t)
}

func (m *Memory) appendTransitionLocked(t market.Transition) error {
	if t.IdempotencyKey != "" {
		if _, dup := m.idempotency[t.IdempotencyKey]; dup {
			return market.ErrDuplicateSubmission
		}
		m.idempotency[t.IdempotencyKey] = t
	}
	m.transitions[t.JobID] = append(m.transitions[t.JobID], t)
	return nil
}

func (m *Memory) FindTransition(_ context.Context, key string) (market.Transition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.idempotency[key]
	return t, ok, nil
}

func (m *Memory) Transitions(_ context.Context, id market.JobID) ([]market.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]market.Transition, len(m.transitions[id]))
	copy(result, m.transitions[id])
	return result, nil
}

func (m *Memory) AppendMovements(_ context.Context, moves []market.EscrowMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements = append(m.movements, moves...)
	return nil
}

func (m *Memory) Movements(_ context.Context) ([]market.EscrowMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]market.EscrowMovement, len(m.movements))
	copy(result, m.movements)
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, which serializes submissions
// the same way a single-writer database would.
func (m *Memory) WithTx(_ context.Context, fn func(market.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	view := &txMemoryView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) snapshot() memorySnapshot {
	jobs := make(map[market.JobID]market.JobRecord, len(m.jobs))
	for k, v := range m.jobs {
		jobs[k] = v
	}
	transitions := make(map[market.JobID][]market.Transition, len(m.transitions))
	for k, v := range m.transitions {
		transitions[k] = append([]market.Transition{}, v...)
	}
	idem := make(map[string]market.Transition, len(m.idempotency))
	for k, v := range m.idempotency {
		idem[k] = v
	}
	return memorySnapshot{
		jobs:        jobs,
		transitions: transitions,
		movements:   append([]market.EscrowMovement{}, m.movements...),
		idempotency: idem,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.jobs = s.jobs
	m.transitions = s.transitions
	m.movements = s.movements
	m.idempotency = s.idempotency
}

type memorySnapshot struct {
	jobs        map[market.JobID]market.JobRecord
	transitions map[market.JobID][]market.Transition
	movements   []market.EscrowMovement
	idempotency map[string]market.Transition
}

// txMemoryView runs against the parent's maps while the parent's write lock
// is held by WithTx, so it must not take the lock itself.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) NextJobID(_ context.Context) (market.JobID, error) {
	return market.JobID(len(tv.parent.jobs) + 1), nil
}

func (tv *txMemoryView) InsertJob(_ context.Context, rec market.JobRecord) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txMemoryView) UpdateJob(_ context.Context, rec market.JobRecord, prevVersion uint64) error {
	return tv.parent.updateLocked(rec, prevVersion)
}

func (tv *txMemoryView) GetJob(_ context.Context, id market.JobID) (market.JobRecord, bool, error) {
	rec, ok := tv.parent.jobs[id]
	return rec, ok, nil
}

func (tv *txMemoryView) ListJobs(_ context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	return tv.parent.listLocked(from, to), nil
}

func (tv *txMemoryView) CountJobs(_ context.Context) (uint64, error) {
	return uint64(len(tv.parent.jobs)), nil
}

func (tv *txMemoryView) OpenJobIDs(_ context.Context) ([]market.JobID, error) {
	return tv.parent.openLocked(), nil
}

func (tv *txMemoryView) AppendTransition(_ context.Context, t market.Transition) error {
	return tv.parent.appendTransitionLocked(t)
}

func (tv *txMemoryView) FindTransition(_ context.Context, key string) (market.Transition, bool, error) {
	t, ok := tv.parent.idempotency[key]
	return t, ok, nil
}

func (tv *txMemoryView) Transitions(_ context.Context, id market.JobID) ([]market.Transition, error) {
	return append([]market.Transition{}, tv.parent.transitions[id]...), nil
}

func (tv *txMemoryView) AppendMovements(_ context.Context, moves []market.EscrowMovement) error {
	tv.parent.movements = append(tv.parent.movements, moves...)
	return nil
}

func (tv *txMemoryView) Movements(_ context.Context) ([]market.EscrowMovement, error) {
	return append([]market.EscrowMovement{}, tv.parent.movements...), nil
}
