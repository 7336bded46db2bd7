/*
dto.go - Wire types for the ledger node HTTP API

PURPOSE:
  JSON shapes shared by the node handlers and client.HTTPGateway. Amounts
  travel as decimal strings in base units so values beyond 2^53 survive
  JavaScript clients.

NAMING CONVENTION:
  - *DTO:      Records returned to clients
  - *Request:  Request bodies
  - *Response: Small response wrappers

SEE ALSO:
  - handlers.go: Produces and consumes these types
  - client/httpgateway.go: The remote side
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/escrow-ledger/market"
)

// =============================================================================
// RECORDS
// =============================================================================

type JobDTO struct {
	ID          uint64       `json:"id"`
	Poster      string       `json:"poster"`
	Worker      string       `json:"worker,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Amount      market.Money `json:"amount"`
	Status      string       `json:"status"`
	Version     uint64       `json:"version"`
	Resolution  string       `json:"resolution,omitempty"`
	Disposition string       `json:"disposition"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

func ToJobDTO(rec market.JobRecord) JobDTO {
	return JobDTO{
		ID:          uint64(rec.ID),
		Poster:      string(rec.Poster),
		Worker:      string(rec.Worker),
		Name:        rec.Name,
		Description: rec.Description,
		Amount:      rec.Amount,
		Status:      string(rec.Status),
		Version:     rec.Version,
		Resolution:  string(rec.Resolution),
		Disposition: string(rec.Disposition()),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   rec.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func ToJobDTOs(recs []market.JobRecord) []JobDTO {
	dtos := make([]JobDTO, len(recs))
	for i, r := range recs {
		dtos[i] = ToJobDTO(r)
	}
	return dtos
}

// Record converts a DTO received from the node back into a JobRecord.
// The status must be one the rules know.
func (d JobDTO) Record() (market.JobRecord, error) {
	status, err := market.ParseStatus(d.Status)
	if err != nil {
		return market.JobRecord{}, err
	}
	resolution, err := market.ParseResolution(d.Resolution)
	if err != nil {
		return market.JobRecord{}, err
	}
	rec := market.JobRecord{
		ID:          market.JobID(d.ID),
		Poster:      market.Actor(d.Poster),
		Worker:      market.Actor(d.Worker),
		Name:        d.Name,
		Description: d.Description,
		Amount:      d.Amount,
		Status:      status,
		Version:     d.Version,
		Resolution:  resolution,
	}
	if rec.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return market.JobRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return market.JobRecord{}, err
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

type TransitionDTO struct {
	JobID   uint64 `json:"job_id"`
	Version uint64 `json:"version"`
	Actor   string `json:"actor"`
	Action  string `json:"action"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	At      string `json:"at"`
}

func toTransitionDTOs(ts []market.Transition) []TransitionDTO {
	dtos := make([]TransitionDTO, len(ts))
	for i, t := range ts {
		dtos[i] = TransitionDTO{
			JobID:   uint64(t.JobID),
			Version: t.Version,
			Actor:   string(t.Actor),
			Action:  string(t.Action),
			From:    string(t.From),
			To:      string(t.To),
			At:      t.At.Format(time.RFC3339Nano),
		}
	}
	return dtos
}

// EscrowDTO reports custody totals in base units.
type EscrowDTO struct {
	Locked   market.Money            `json:"locked"`
	Held     market.Money            `json:"held"`
	Released market.Money            `json:"released"`
	Refunded market.Money            `json:"refunded"`
	Credited map[string]market.Money `json:"credited"`
	Balanced bool                    `json:"balanced"`
}

func toEscrowDTO(s market.EscrowSummary) EscrowDTO {
	credited := make(map[string]market.Money, len(s.Credited))
	for a, m := range s.Credited {
		credited[string(a)] = m
	}
	return EscrowDTO{
		Locked:   s.Locked,
		Held:     s.Held,
		Released: s.Released,
		Refunded: s.Refunded,
		Credited: credited,
		Balanced: s.Balanced(),
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// CreateJobRequest posts a new job. Nonce makes retries idempotent.
type CreateJobRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Amount      market.Money `json:"amount"`
	Nonce       string       `json:"nonce,omitempty"`
}

// ActionRequest applies accept, complete, dispute or close to an existing
// job. Version is the record version the caller decided against.
type ActionRequest struct {
	Action     string `json:"action"`
	Version    uint64 `json:"version"`
	Resolution string `json:"resolution,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type CountResponse struct {
	Count uint64 `json:"count"`
}

type OpenJobIDResponse struct {
	Index uint64 `json:"index"`
	ID    uint64 `json:"id"`
}

type JobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// ErrorResponse is returned for every non-2xx status. Code is one of the
// Code* constants; Reason is set for rejections and Current for stale
// submissions when the node knows the current record.
type ErrorResponse struct {
	Error          string  `json:"error"`
	Code           string  `json:"code"`
	Reason         string  `json:"reason,omitempty"`
	Details        string  `json:"details,omitempty"`
	Current        *JobDTO `json:"current,omitempty"`
	JobID          uint64  `json:"job_id,omitempty"`
	KnownVersion   uint64  `json:"known_version,omitempty"`
	AlreadyApplied bool    `json:"already_applied,omitempty"`
}

const (
	CodeValidationRejected    = "validation_rejected"
	CodeStaleState            = "stale_state"
	CodeNotFound              = "not_found"
	CodeIdentityUnavailable   = "identity_unavailable"
	CodeInternalInconsistency = "internal_inconsistency"
	CodeBadRequest            = "bad_request"
	CodeRateLimited           = "rate_limited"
	CodeInternal              = "internal"
)
