/*
ledger.go - Authoritative job ledger

PURPOSE:
  The Ledger is the source of truth for every job. It implements Gateway
  directly on top of a TxStore, so a node process (cmd/server) serves it
  over HTTP and tests use it in-process.

CRITICAL INVARIANTS:
  1. ATOMIC: status change, version bump, audit row and escrow movement are
     written in one store transaction or not at all.
  2. RE-VALIDATED: every submission is checked with Rules against the
     ledger's own current record, never the caller's copy.
  3. VERSIONED: a submission must name the version it was decided against.
     A mismatch is StaleState, never a silent reapply.
  4. IDEMPOTENT: replaying a submission with the same idempotency key
     returns StaleState with AlreadyApplied set, and moves no funds.
  5. APPEND-ONLY: jobs are never deleted; transitions and movements are
     never edited.

SUBMIT FLOW:
  1. Idempotency lookup            → replay? StaleState(AlreadyApplied)
  2. Load current record           → missing? NotFound
  3. Compare versions              → mismatch? StaleState(cause = rules verdict)
  4. Rules.Apply                   → rejected? ValidationError
  5. CAS update + audit + custody  → commit

SEE ALSO:
  - rules.go: The transition table
  - store.go: Persistence interface
  - api/handlers.go: HTTP surface for this ledger
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store  TxStore
	Rules  Rules
	Now    func() time.Time
	Logger *slog.Logger
}

func NewLedger(store TxStore, rules Rules) *Ledger {
	return &Ledger{Store: store, Rules: rules}
}

var _ Gateway = (*Ledger)(nil)
var _ BatchReader = (*Ledger)(nil)

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Submit applies one transition atomically.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (JobRecord, error) {
	if sub.Action == nil {
		return JobRecord{}, errors.New("submission without action")
	}
	if sub.Actor.IsZero() {
		return JobRecord{}, ErrIdentityUnavailable
	}

	var result JobRecord
	err := l.Store.WithTx(ctx, func(tx Store) error {
		key := sub.IdempotencyKey()
		if key != "" {
			prior, found, err := tx.FindTransition(ctx, key)
			if err != nil {
				return err
			}
			if found {
				stale := &StaleStateError{JobID: prior.JobID, Known: sub.Version, AlreadyApplied: true}
				if cur, ok, err := tx.GetJob(ctx, prior.JobID); err == nil && ok {
					stale.Current = &cur
				}
				return stale
			}
		}

		now := l.now()
		if _, ok := sub.Action.(CreateJob); ok {
			rec, err := l.create(ctx, tx, sub, key, now)
			result = rec
			return err
		}

		cur, ok, err := tx.GetJob(ctx, sub.JobID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %d: %w", sub.JobID, ErrNotFound)
		}
		if sub.Version != cur.Version {
			return &StaleStateError{
				JobID:   cur.ID,
				Known:   sub.Version,
				Current: &cur,
				Cause:   l.Rules.Validate(&cur, sub.Actor, sub.Action),
			}
		}

		next, moves, err := l.Rules.Apply(&cur, sub.Actor, sub.Action, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, next, cur.Version); err != nil {
			return err
		}
		if err := tx.AppendTransition(ctx, Transition{
			JobID:          next.ID,
			Version:        next.Version,
			Actor:          sub.Actor,
			Action:         sub.Action.Kind(),
			From:           cur.Status,
			To:             next.Status,
			IdempotencyKey: key,
			At:             now,
		}); err != nil {
			return err
		}
		if len(moves) > 0 {
			if err := tx.AppendMovements(ctx, moves); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if err != nil {
		l.logger().DebugContext(ctx, "submission rejected",
			"job_id", sub.JobID, "actor", sub.Actor, "action", sub.Action.Kind(), "error", err)
		return JobRecord{}, err
	}

	l.logger().InfoContext(ctx, "job transition applied",
		"job_id", result.ID, "actor", sub.Actor, "action", sub.Action.Kind(),
		"status", result.Status, "version", result.Version)
	return result, nil
}

func (l *Ledger) create(ctx context.Context, tx Store, sub Submission, key string, now time.Time) (JobRecord, error) {
	next, moves, err := l.Rules.Apply(nil, sub.Actor, sub.Action, now)
	if err != nil {
		return JobRecord{}, err
	}
	id, err := tx.NextJobID(ctx)
	if err != nil {
		return JobRecord{}, err
	}
	next.ID = id
	for i := range moves {
		moves[i].JobID = id
	}
	if key == "" {
		key = fmt.Sprintf("%s/create/#%d", sub.Actor, id)
	}

	if err := tx.InsertJob(ctx, next); err != nil {
		return JobRecord{}, err
	}
	if err := tx.AppendTransition(ctx, Transition{
		JobID:          id,
		Version:        next.Version,
		Actor:          sub.Actor,
		Action:         ActionCreate,
		To:             next.Status,
		IdempotencyKey: key,
		At:             now,
	}); err != nil {
		return JobRecord{}, err
	}
	if err := tx.AppendMovements(ctx, moves); err != nil {
		return JobRecord{}, err
	}
	return next, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) ReadJob(ctx context.Context, id JobID) (JobRecord, bool, error) {
	if !id.Valid() {
		return JobRecord{}, false, nil
	}
	return l.Store.GetJob(ctx, id)
}

func (l *Ledger) ReadJobCount(ctx context.Context) (uint64, error) {
	return l.Store.CountJobs(ctx)
}

func (l *Ledger) ReadOpenJobCount(ctx context.Context) (uint64, error) {
	ids, err := l.Store.OpenJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}

func (l *Ledger) ReadOpenJobID(ctx context.Context, index uint64) (JobID, error) {
	ids, err := l.Store.OpenJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	if index >= uint64(len(ids)) {
		return 0, fmt.Errorf("open job index %d of %d: %w", index, len(ids), ErrNotFound)
	}
	return ids[index], nil
}

func (l *Ledger) ReadJobs(ctx context.Context, from, to JobID) ([]JobRecord, error) {
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil, nil
	}
	return l.Store.ListJobs(ctx, from, to)
}

// OpenJobs is the dedicated open-job query.
func (l *Ledger) OpenJobs(ctx context.Context) ([]JobRecord, error) {
	ids, err := l.Store.OpenJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := l.Store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// History returns the audit trail of one job in version order.
func (l *Ledger) History(ctx context.Context, id JobID) ([]Transition, error) {
	if _, ok, err := l.Store.GetJob(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return l.Store.Transitions(ctx, id)
}

// EscrowSummary totals custody across all jobs and cross-checks it against
// the movement log. A disagreement is an InconsistencyError.
func (l *Ledger) EscrowSummary(ctx context.Context) (EscrowSummary, error) {
	count, err := l.Store.CountJobs(ctx)
	if err != nil {
		return EscrowSummary{}, err
	}
	records, err := l.Store.ListJobs(ctx, 1, JobID(count))
	if err != nil {
		return EscrowSummary{}, err
	}
	moves, err := l.Store.Movements(ctx)
	if err != nil {
		return EscrowSummary{}, err
	}

	fromRecords := SummarizeEscrow(records)
	fromMoves := SummarizeMovements(moves)
	if !fromRecords.Balanced() || !fromMoves.Balanced() ||
		!fromRecords.Locked.Equal(fromMoves.Locked) ||
		!fromRecords.Released.Equal(fromMoves.Released) ||
		!fromRecords.Refunded.Equal(fromMoves.Refunded) {
		return fromRecords, &InconsistencyError{Detail: fmt.Sprintf(
			"escrow mismatch: records locked=%s released=%s refunded=%s, movements locked=%s released=%s refunded=%s",
			fromRecords.Locked, fromRecords.Released, fromRecords.Refunded,
			fromMoves.Locked, fromMoves.Released, fromMoves.Refunded)}
	}
	return fromRecords, nil
}
