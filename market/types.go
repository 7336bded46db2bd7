/*
Package market provides the escrowed job lifecycle engine.

PURPOSE:
  This package holds the domain types, the pure transition rules, and the
  reference ledger that applies them. Clients (package client) and the
  HTTP node (package api) both build on it, so the same rules decide a
  transition locally as a fast-fail check and on the ledger as the real
  authority.

KEY CONCEPTS IN THIS FILE (types.go):
  - JobID: Ledger-assigned, strictly increasing, never zero
  - Actor: An account identity (poster, worker, arbiter)
  - JobStatus: Lifecycle state
  - JobRecord: The authoritative shape of one job

DESIGN PRINCIPLES:
  1. The ledger owns every JobRecord. Anything else holds a copy.
  2. Records are never deleted. Closed is terminal but retained.
  3. Escrow disposition is derived from status, never stored separately.
  4. Version bumps by one on every accepted transition.

SEE ALSO:
  - action.go: The closed set of actions
  - rules.go: Transition validation
  - ledger.go: Authoritative application of transitions
*/
package market

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// JobID is assigned by the ledger at creation. Zero means "not found".
type JobID uint64

func (id JobID) Valid() bool { return id != 0 }

// Actor is an account identity. The empty Actor means "nobody".
type Actor string

func (a Actor) IsZero() bool { return a == "" }

// NormalizeActor trims whitespace and lowercases hex-style addresses so the
// same account compares equal regardless of checksum casing.
func NormalizeActor(s string) Actor {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = strings.ToLower(s)
	}
	return Actor(s)
}

// =============================================================================
// STATUS
// =============================================================================

type JobStatus string

const (
	StatusOpen      JobStatus = "open"
	StatusAccepted  JobStatus = "accepted"
	StatusCompleted JobStatus = "completed"
	StatusDisputed  JobStatus = "disputed"
	StatusClosed    JobStatus = "closed"
)

// ParseStatus converts a raw string to a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	switch st {
	case StatusOpen, StatusAccepted, StatusCompleted, StatusDisputed, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) IsTerminal() bool { return s == StatusClosed }

// =============================================================================
// RESOLUTION & DISPOSITION
// =============================================================================

// Resolution records where the escrow went when a job closed.
type Resolution string

const (
	ResolutionNone            Resolution = ""
	ResolutionReleaseToWorker Resolution = "release_to_worker"
	ResolutionRefundToPoster  Resolution = "refund_to_poster"
)

func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	switch r {
	case ResolutionNone, ResolutionReleaseToWorker, ResolutionRefundToPoster:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Disposition is where escrowed funds currently sit.
type Disposition string

const (
	DispositionHeld     Disposition = "held"
	DispositionReleased Disposition = "released"
	DispositionRefunded Disposition = "refunded"
)

// =============================================================================
// JOB RECORD
// =============================================================================

// JobRecord is one job as the ledger holds it.
type JobRecord struct {
	ID          JobID
	Poster      Actor
	Worker      Actor
	Name        string
	Description string
	Amount      Money
	Status      JobStatus
	Version     uint64

	// Resolution is set by the transition into Closed and never changes after.
	Resolution Resolution

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Disposition derives the escrow disposition from status and resolution.
func (r JobRecord) Disposition() Disposition {
	if r.Status != StatusClosed {
		return DispositionHeld
	}
	if r.Resolution == ResolutionRefundToPoster {
		return DispositionRefunded
	}
	return DispositionReleased
}

// CheckInvariants reports an *InconsistencyError if the record breaks a rule
// that must hold for every record the ledger ever produced.
func (r JobRecord) CheckInvariants() error {
	fail := func(detail string) error {
		return &InconsistencyError{JobID: r.ID, Detail: detail}
	}
	if !r.ID.Valid() {
		return fail("zero job id")
	}
	if r.Version == 0 {
		return fail("zero version")
	}
	if r.Poster.IsZero() {
		return fail("empty poster")
	}
	if !r.Amount.IsPositive() {
		return fail("non-positive escrow amount")
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return fail(err.Error())
	}
	if r.Worker.IsZero() != (r.Status == StatusOpen) {
		return fail(fmt.Sprintf("worker %q with status %s", r.Worker, r.Status))
	}
	if (r.Resolution != ResolutionNone) != (r.Status == StatusClosed) {
		return fail(fmt.Sprintf("resolution %q with status %s", r.Resolution, r.Status))
	}
	return nil
}

// =============================================================================
// AUDIT & CUSTODY ROWS
// =============================================================================

// Transition is the append-only audit row written for each accepted submission.
type Transition struct {
	JobID          JobID
	Version        uint64 // version after the transition
	Actor          Actor
	Action         ActionKind
	From           JobStatus // empty for creation
	To             JobStatus
	IdempotencyKey string
	At             time.Time
}

type MovementKind string

const (
	MovementLock    MovementKind = "lock"
	MovementRelease MovementKind = "release"
	MovementRefund  MovementKind = "refund"
)

// EscrowMovement is one custody change. Lock moves funds from the poster
// into escrow; Release and Refund move them out to worker or poster.
type EscrowMovement struct {
	JobID        JobID
	Version      uint64
	Kind         MovementKind
	Counterparty Actor
	Amount       Money
	At           time.Time
}
