package market

import (
	"context"
	"fmt"
)

// Submission is one state-changing request to the ledger.
type Submission struct {
	Actor  Actor
	JobID  JobID // zero for CreateJob
	Action Action

	// Version is the record version the caller decided against. The ledger
	// rejects the submission as stale if it no longer matches.
	Version uint64
}

// IdempotencyKey identifies a submission across retries:
// (actor, job, action, version), or (actor, create, nonce) for creations.
// Creations without a nonce have no key and are not deduplicated.
func (s Submission) IdempotencyKey() string {
	if create, ok := s.Action.(CreateJob); ok {
		if create.Nonce == "" {
			return ""
		}
		return fmt.Sprintf("%s/create/%s", s.Actor, create.Nonce)
	}
	return fmt.Sprintf("%s/%d/%s/%d", s.Actor, s.JobID, s.Action.Kind(), s.Version)
}

// Gateway is the boundary to the authoritative ledger. Submit is the only
// mutating call and is atomic: it either applies the whole transition or
// nothing.
type Gateway interface {
	Submit(ctx context.Context, sub Submission) (JobRecord, error)

	// ReadJob returns false if the job does not exist.
	ReadJob(ctx context.Context, id JobID) (JobRecord, bool, error)

	ReadJobCount(ctx context.Context) (uint64, error)

	ReadOpenJobCount(ctx context.Context) (uint64, error)

	// ReadOpenJobID returns the index-th open job id (ascending, zero-based).
	ReadOpenJobID(ctx context.Context, index uint64) (JobID, error)
}

// BatchReader is implemented by gateways that can fetch a contiguous id
// range in one call. The result is not an atomic snapshot.
type BatchReader interface {
	ReadJobs(ctx context.Context, from, to JobID) ([]JobRecord, error)
}
