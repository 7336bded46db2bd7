package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/escrow-ledger/market"
)

// =============================================================================
// ERROR MAPPING - domain taxonomy <-> HTTP
// =============================================================================

// errorStatus maps a domain error to its status code and ErrorResponse.
func errorStatus(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: "internal error", Code: CodeInternal, Details: err.Error()}

	var stale *market.StaleStateError
	var verr *market.ValidationError
	switch {
	case errors.As(err, &stale):
		resp.Error = "stale state"
		resp.Code = CodeStaleState
		resp.JobID = uint64(stale.JobID)
		resp.KnownVersion = stale.Known
		resp.AlreadyApplied = stale.AlreadyApplied
		if stale.Current != nil {
			cur := ToJobDTO(*stale.Current)
			resp.Current = &cur
		}
		if reason, ok := market.ReasonOf(stale.Cause); ok {
			resp.Reason = string(reason)
		}
		return http.StatusConflict, resp
	case errors.As(err, &verr):
		resp.Error = "transition rejected"
		resp.Code = CodeValidationRejected
		resp.Reason = string(verr.Reason)
		resp.JobID = uint64(verr.JobID)
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, market.ErrNotFound):
		resp.Error = "not found"
		resp.Code = CodeNotFound
		return http.StatusNotFound, resp
	case errors.Is(err, market.ErrIdentityUnavailable):
		resp.Error = "identity unavailable"
		resp.Code = CodeIdentityUnavailable
		return http.StatusUnauthorized, resp
	case errors.Is(err, market.ErrInternalInconsistency):
		resp.Error = "internal inconsistency"
		resp.Code = CodeInternalInconsistency
		return http.StatusInternalServerError, resp
	}
	return http.StatusInternalServerError, resp
}

// DecodeError rebuilds a domain error from a node error response. Unknown
// codes and 5xx statuses other than internal_inconsistency become
// ErrLedgerUnavailable.
func DecodeError(status int, resp ErrorResponse) error {
	switch resp.Code {
	case CodeValidationRejected:
		return decodeRejection(resp)
	case CodeStaleState:
		stale := &market.StaleStateError{
			JobID:          market.JobID(resp.JobID),
			Known:          resp.KnownVersion,
			AlreadyApplied: resp.AlreadyApplied,
		}
		if resp.Current != nil {
			if cur, err := resp.Current.Record(); err == nil {
				stale.Current = &cur
			}
		}
		if resp.Reason != "" {
			stale.Cause = decodeRejection(resp)
		}
		return stale
	case CodeNotFound:
		return fmt.Errorf("%s: %w", resp.Details, market.ErrNotFound)
	case CodeIdentityUnavailable:
		return market.ErrIdentityUnavailable
	case CodeInternalInconsistency:
		return &market.InconsistencyError{JobID: market.JobID(resp.JobID), Detail: resp.Details}
	case CodeRateLimited:
		return fmt.Errorf("rate limited: %w", market.ErrLedgerUnavailable)
	case CodeBadRequest:
		return fmt.Errorf("bad request: %s", resp.Details)
	}
	return fmt.Errorf("ledger responded %d %s: %w", status, resp.Error, market.ErrLedgerUnavailable)
}

func decodeRejection(resp ErrorResponse) error {
	reason, err := market.ParseRejectReason(resp.Reason)
	if err != nil {
		return fmt.Errorf("ledger rejection with %w", err)
	}
	verr := &market.ValidationError{Reason: reason, JobID: market.JobID(resp.JobID)}
	if resp.Current != nil {
		verr.Status = market.JobStatus(resp.Current.Status)
	}
	return verr
}
