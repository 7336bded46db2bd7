/*
errors.go - Error taxonomy for the job ledger

PURPOSE:
  All error types in one place. Callers match categories with errors.Is
  and pull details with errors.As.

ERROR CATEGORIES:
  1. ValidationRejected - A transition rule said no (reason enumerated)
  2. StaleState         - The caller decided against an outdated record
  3. LedgerUnavailable  - Transient I/O or timeout; safe to retry
  4. NotFound           - No job with that id
  5. IdentityUnavailable - No account selected or authorized
  6. InternalInconsistency - A record broke an invariant; protocol bug

USAGE:
  rec, err := engine.AcceptJob(ctx, id)
  var verr *market.ValidationError
  switch {
  case errors.As(err, &verr):
      show(verr.Reason)
  case errors.Is(err, market.ErrStaleState):
      rerender()
  case market.IsRetryable(err):
      offerRetry()
  }

SEE ALSO:
  - rules.go: Produces ValidationError and InconsistencyError
  - ledger.go: Produces StaleStateError
*/
package market

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidationRejected = errors.New("transition rejected")

	// ErrStaleState means the caller's view was behind the ledger. The
	// caller must re-decide against the refreshed record.
	ErrStaleState = errors.New("stale state")

	// ErrLedgerUnavailable is a transient failure talking to the ledger.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	ErrNotFound = errors.New("job not found")

	ErrIdentityUnavailable = errors.New("no identity selected")

	// ErrInternalInconsistency means a record broke an invariant. It is never
	// patched over.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrDuplicateSubmission is returned by stores when an idempotency key
	// was already recorded.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrConcurrentModification is returned by stores when an optimistic
	// version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// REJECTION REASONS
// =============================================================================

type RejectReason string

const (
	ReasonWrongStatus       RejectReason = "wrong_status"
	ReasonWrongActor        RejectReason = "wrong_actor"
	ReasonSelfDealing       RejectReason = "self_dealing"
	ReasonNonPositiveAmount RejectReason = "non_positive_amount"
	ReasonTerminalState     RejectReason = "terminal_state"
	ReasonNotArbiter        RejectReason = "not_arbiter"
	ReasonMissingResolution RejectReason = "missing_resolution"
	ReasonInvalidResolution RejectReason = "invalid_resolution"
	ReasonEmptyName         RejectReason = "empty_name"
)

// ParseRejectReason maps a wire string back to a RejectReason.
func ParseRejectReason(s string) (RejectReason, error) {
	r := RejectReason(s)
	switch r {
	case ReasonWrongStatus, ReasonWrongActor, ReasonSelfDealing, ReasonNonPositiveAmount,
		ReasonTerminalState, ReasonNotArbiter, ReasonMissingResolution,
		ReasonInvalidResolution, ReasonEmptyName:
		return r, nil
	}
	return "", fmt.Errorf("unknown reject reason %q", s)
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a rejection by the transition rules.
type ValidationError struct {
	Reason RejectReason
	JobID  JobID
	Actor  Actor
	Action ActionKind
	Status JobStatus // status the decision was made against; empty for create
}

func (e *ValidationError) Error() string {
	if e.JobID.Valid() {
		return fmt.Sprintf("%s rejected on job %d (%s) for %s: %s",
			e.Action, e.JobID, e.Status, e.Actor, e.Reason)
	}
	return fmt.Sprintf("%s rejected for %s: %s", e.Action, e.Actor, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationRejected }

// StaleStateError reports that a submission referenced an outdated version.
// Current holds the ledger's record at the time of rejection, when known.
type StaleStateError struct {
	JobID   JobID
	Known   uint64
	Current *JobRecord

	// AlreadyApplied is set when this exact submission was applied before,
	// e.g. a retry after a lost response.
	AlreadyApplied bool

	// Cause is the ledger-side rejection that revealed the staleness.
	Cause error
}

func (e *StaleStateError) Error() string {
	current := "unknown"
	if e.Current != nil {
		current = fmt.Sprintf("%d", e.Current.Version)
	}
	msg := fmt.Sprintf("stale state for job %d: decided at version %d, ledger at %s", e.JobID, e.Known, current)
	if e.AlreadyApplied {
		msg += " (submission already applied)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StaleStateError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrStaleState, e.Cause}
	}
	return []error{ErrStaleState}
}

// InconsistencyError is a broken invariant detected locally.
type InconsistencyError struct {
	JobID  JobID
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("job %d: internal inconsistency: %s", e.JobID, e.Detail)
}

func (e *InconsistencyError) Unwrap() error { return ErrInternalInconsistency }

func reject(reason RejectReason, rec *JobRecord, actor Actor, kind ActionKind) *ValidationError {
	e := &ValidationError{Reason: reason, Actor: actor, Action: kind}
	if rec != nil {
		e.JobID = rec.ID
		e.Status = rec.Status
	}
	return e
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a caller retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}

// IsRejection returns true for rule rejections, local or ledger-side.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidationRejected)
}

// ReasonOf extracts the rejection reason, if any.
func ReasonOf(err error) (RejectReason, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}
