/*
rules.go - Job lifecycle state machine

PURPOSE:
  Decides whether an actor may perform an action on a job, and computes the
  resulting record and escrow movements. No I/O. The client runs it as a
  fast-fail check against its cached copy; the ledger runs the identical
  rules against its own current record when applying a submission.

STATE MACHINE:

	          accept            complete           close (poster)
	  Open ──────────▶ Accepted ─────────▶ Completed ──────────▶ Closed
	                      │                                        ▲
	                      │ dispute (poster|worker)                │
	                      ▼                 close (resolver)       │
	                  Disputed ────────────────────────────────────┘

  Closed is terminal. No state leads back to an earlier one.

RULES:
  - create:   any actor, amount > 0, non-empty name
  - accept:   Open only, actor != poster
  - complete: Accepted only, actor == worker
  - dispute:  Accepted only, actor == poster or worker
  - close:    Completed by poster (release to worker), or
              Disputed by a resolver allowed by the ResolutionPolicy
              (release or refund, resolver's choice)

CHECK ORDER:
  identity → record invariants → terminal → status → actor → parameters

SEE ALSO:
  - errors.go: RejectReason values
  - ledger.go: Applies rules atomically with persistence
*/
package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RESOLUTION POLICY - who may close a disputed job
// =============================================================================

// ResolutionPolicy decides who may resolve a dispute. The policy itself is
// external; the rules only consult it.
type ResolutionPolicy interface {
	CanResolve(actor Actor, rec JobRecord) bool
}

// ArbiterSet allows a fixed set of arbiter identities to resolve any dispute.
type ArbiterSet map[Actor]struct{}

func NewArbiterSet(actors ...Actor) ArbiterSet {
	set := make(ArbiterSet, len(actors))
	for _, a := range actors {
		if !a.IsZero() {
			set[a] = struct{}{}
		}
	}
	return set
}

func (s ArbiterSet) CanResolve(actor Actor, _ JobRecord) bool {
	_, ok := s[actor]
	return ok
}

// =============================================================================
// RULES
// =============================================================================

// Rules is the transition validator. The zero value is usable; with no
// Resolver no dispute can be closed.
type Rules struct {
	Resolver ResolutionPolicy
}

// Validate returns nil if actor may perform act on rec. rec is nil for
// creation. Rejections are *ValidationError; broken records are
// *InconsistencyError.
func (r Rules) Validate(rec *JobRecord, actor Actor, act Action) error {
	if actor.IsZero() {
		return ErrIdentityUnavailable
	}
	if act == nil {
		return errors.New("nil action")
	}
	kind := act.Kind()

	if create, ok := act.(CreateJob); ok {
		if rec != nil {
			return reject(ReasonWrongStatus, rec, actor, kind)
		}
		if !create.Amount.IsPositive() {
			return reject(ReasonNonPositiveAmount, nil, actor, kind)
		}
		if strings.TrimSpace(create.Name) == "" {
			return reject(ReasonEmptyName, nil, actor, kind)
		}
		return nil
	}

	if rec == nil {
		return ErrNotFound
	}
	if err := rec.CheckInvariants(); err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return reject(ReasonTerminalState, rec, actor, kind)
	}

	switch a := act.(type) {
	case AcceptJob:
		if rec.Status != StatusOpen {
			return reject(ReasonWrongStatus, rec, actor, kind)
		}
		if actor == rec.Poster {
			return reject(ReasonSelfDealing, rec, actor, kind)
		}
	case CompleteJob:
		if rec.Status != StatusAccepted {
			return reject(ReasonWrongStatus, rec, actor, kind)
		}
		if actor != rec.Worker {
			return reject(ReasonWrongActor, rec, actor, kind)
		}
	case DisputeJob:
		if rec.Status != StatusAccepted {
			return reject(ReasonWrongStatus, rec, actor, kind)
		}
		if actor != rec.Poster && actor != rec.Worker {
			return reject(ReasonWrongActor, rec, actor, kind)
		}
	case CloseJob:
		switch rec.Status {
		case StatusCompleted:
			if actor != rec.Poster {
				return reject(ReasonWrongActor, rec, actor, kind)
			}
			if a.Resolution != ResolutionNone && a.Resolution != ResolutionReleaseToWorker {
				return reject(ReasonInvalidResolution, rec, actor, kind)
			}
		case StatusDisputed:
			if r.Resolver == nil || !r.Resolver.CanResolve(actor, *rec) {
				return reject(ReasonNotArbiter, rec, actor, kind)
			}
			if a.Resolution == ResolutionNone {
				return reject(ReasonMissingResolution, rec, actor, kind)
			}
			if _, err := ParseResolution(string(a.Resolution)); err != nil {
				return reject(ReasonInvalidResolution, rec, actor, kind)
			}
		default:
			return reject(ReasonWrongStatus, rec, actor, kind)
		}
	default:
		return fmt.Errorf("unhandled action %T", act)
	}
	return nil
}

// Apply validates and returns the record after the transition together with
// the escrow movements it causes. For CreateJob the returned record and
// movements carry ID 0; the ledger assigns the id.
func (r Rules) Apply(rec *JobRecord, actor Actor, act Action, at time.Time) (JobRecord, []EscrowMovement, error) {
	if err := r.Validate(rec, actor, act); err != nil {
		return JobRecord{}, nil, err
	}

	if create, ok := act.(CreateJob); ok {
		next := JobRecord{
			Poster:      actor,
			Name:        strings.TrimSpace(create.Name),
			Description: create.Description,
			Amount:      create.Amount,
			Status:      StatusOpen,
			Version:     1,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		lock := EscrowMovement{Version: 1, Kind: MovementLock, Counterparty: actor, Amount: create.Amount, At: at}
		return next, []EscrowMovement{lock}, nil
	}

	next := *rec
	next.Version = rec.Version + 1
	next.UpdatedAt = at
	var moves []EscrowMovement

	switch a := act.(type) {
	case AcceptJob:
		next.Status = StatusAccepted
		next.Worker = actor
	case CompleteJob:
		next.Status = StatusCompleted
	case DisputeJob:
		next.Status = StatusDisputed
	case CloseJob:
		next.Status = StatusClosed
		next.Resolution = a.Resolution
		if next.Resolution == ResolutionNone {
			next.Resolution = ResolutionReleaseToWorker
		}
		move := EscrowMovement{JobID: rec.ID, Version: next.Version, Amount: rec.Amount, At: at}
		if next.Resolution == ResolutionRefundToPoster {
			move.Kind = MovementRefund
			move.Counterparty = rec.Poster
		} else {
			move.Kind = MovementRelease
			move.Counterparty = rec.Worker
		}
		moves = append(moves, move)
	}

	if err := next.CheckInvariants(); err != nil {
		return JobRecord{}, nil, err
	}
	return next, moves, nil
}

// Capabilities lists the actions actor may perform on rec right now. It is
// recomputed on every call and never cached across identity switches.
func (r Rules) Capabilities(rec JobRecord, actor Actor) []ActionKind {
	candidates := []Action{AcceptJob{}, CompleteJob{}, DisputeJob{}, CloseJob{}}
	if rec.Status == StatusDisputed {
		candidates[3] = CloseJob{Resolution: ResolutionReleaseToWorker}
	}
	var kinds []ActionKind
	for _, act := range candidates {
		if r.Validate(&rec, actor, act) == nil {
			kinds = append(kinds, act.Kind())
		}
	}
	return kinds
}
