/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between the Ledger and its database. The Ledger
  owns the rules; the Store only keeps rows.

KEY INTERFACES:
  Store:   Job rows, append-only transitions and escrow movements
  TxStore: Store plus WithTx for all-or-nothing submissions

APPEND-ONLY CONTRACT:
  - Transitions and movements have no Update or Delete.
  - Job rows are never deleted. UpdateJob is a compare-and-swap on version
    and is only called inside WithTx together with the matching transition.

IDEMPOTENCY:
  Every transition row carries an idempotency key. Recording the same key
  twice fails with ErrDuplicateSubmission.

IMPLEMENTATIONS:
  - market/store/memory.go: In-memory for tests and single-process use
  - store/sqlite/sqlite.go: SQLite-backed node storage

SEE ALSO:
  - ledger.go: The only caller
*/
package market

import "context"

// Store persists jobs, transitions and escrow movements.
type Store interface {
	// NextJobID returns the id the next InsertJob must use (count + 1).
	NextJobID(ctx context.Context) (JobID, error)

	InsertJob(ctx context.Context, rec JobRecord) error

	// UpdateJob replaces the row only if its stored version equals
	// prevVersion. Otherwise ErrConcurrentModification.
	UpdateJob(ctx context.Context, rec JobRecord, prevVersion uint64) error

	GetJob(ctx context.Context, id JobID) (JobRecord, bool, error)

	// ListJobs returns jobs with from <= id <= to, ascending.
	ListJobs(ctx context.Context, from, to JobID) ([]JobRecord, error)

	CountJobs(ctx context.Context) (uint64, error)

	// OpenJobIDs returns ids of Open jobs, ascending.
	OpenJobIDs(ctx context.Context) ([]JobID, error)

	// AppendTransition records an accepted submission. Fails with
	// ErrDuplicateSubmission if the idempotency key exists.
	AppendTransition(ctx context.Context, t Transition) error

	// FindTransition looks up a transition by idempotency key.
	FindTransition(ctx context.Context, key string) (Transition, bool, error)

	Transitions(ctx context.Context, id JobID) ([]Transition, error)

	AppendMovements(ctx context.Context, moves []EscrowMovement) error

	Movements(ctx context.Context) ([]EscrowMovement, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
