package market

import "fmt"

// ActionKind names an Action on the wire and in idempotency keys.
type ActionKind string

const (
	ActionCreate   ActionKind = "create"
	ActionAccept   ActionKind = "accept"
	ActionComplete ActionKind = "complete"
	ActionDispute  ActionKind = "dispute"
	ActionClose    ActionKind = "close"
)

// Action is the closed set of state-changing requests. Only types in this
// package implement it; Rules matches them exhaustively with a type switch.
type Action interface {
	Kind() ActionKind
	isAction()
}

// CreateJob opens a new job and locks Amount from the acting poster.
// Nonce makes retried creations idempotent; empty means "not retryable".
type CreateJob struct {
	Name        string
	Description string
	Amount      Money
	Nonce       string
}

type AcceptJob struct{}

type CompleteJob struct{}

type DisputeJob struct{}

// CloseJob closes a completed or disputed job. Resolution is required when
// closing a disputed job and must be empty or ReleaseToWorker otherwise.
type CloseJob struct {
	Resolution Resolution
}

func (CreateJob) Kind() ActionKind   { return ActionCreate }
func (AcceptJob) Kind() ActionKind   { return ActionAccept }
func (CompleteJob) Kind() ActionKind { return ActionComplete }
func (DisputeJob) Kind() ActionKind  { return ActionDispute }
func (CloseJob) Kind() ActionKind    { return ActionClose }

func (CreateJob) isAction()   {}
func (AcceptJob) isAction()   {}
func (CompleteJob) isAction() {}
func (DisputeJob) isAction()  {}
func (CloseJob) isAction()    {}

// ActionFor builds the parameterless Action for a kind. CreateJob carries
// parameters and is not built here.
func ActionFor(kind ActionKind, resolution Resolution) (Action, error) {
	switch kind {
	case ActionAccept:
		return AcceptJob{}, nil
	case ActionComplete:
		return CompleteJob{}, nil
	case ActionDispute:
		return DisputeJob{}, nil
	case ActionClose:
		return CloseJob{Resolution: resolution}, nil
	}
	return nil, fmt.Errorf("unknown action %q", kind)
}
