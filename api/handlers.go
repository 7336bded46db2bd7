/*
handlers.go - HTTP API handlers for the ledger node

PURPOSE:
  Exposes market.Ledger over REST. Handles request parsing, JSON
  serialization and error mapping; every state change goes through
  Ledger.Submit so the node applies the same rules as the clients.

ENDPOINTS:
  Jobs:
    POST   /api/jobs                 CreateJob (actor from X-Actor)
    POST   /api/jobs/{id}/actions    accept | complete | dispute | close
    GET    /api/jobs/{id}            ReadJob
    GET    /api/jobs?from=&to=       Batch read of a contiguous id range
    GET    /api/jobs/count           ReadJobCount
    GET    /api/jobs/{id}/history    Audit transitions

  Open index:
    GET    /api/jobs/open            Open-jobs projection
    GET    /api/jobs/open/count      ReadOpenJobCount
    GET    /api/jobs/open/{index}    ReadOpenJobID

  Custody:
    GET    /api/escrow               Escrow summary (cross-checked)

IDENTITY:
  The acting account is taken from the X-Actor header. Signature checking
  belongs to the wallet layer in front of the node.

ERROR HANDLING:
  Errors are JSON ErrorResponse values:
  - 400: bad_request               malformed body or parameters
  - 401: identity_unavailable      missing X-Actor
  - 404: not_found
  - 409: stale_state               version moved or submission replayed
  - 422: validation_rejected       rules said no
  - 429: rate_limited
  - 500: internal_inconsistency | internal

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Domain error <-> HTTP mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/escrow-ledger/logger"
	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/metrics"
)

// ActorHeader carries the acting account on every request.
const ActorHeader = "X-Actor"

// maxBatch bounds a single GET /api/jobs range.
const maxBatch = 500

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *market.Ledger
	Limiter *ActorLimiter // nil disables rate limiting
	Logger  *slog.Logger

	// Demo routes the scenario loaders.
	Demo bool
}

func NewHandler(ledger *market.Ledger) *Handler {
	return &Handler{Ledger: ledger, Logger: slog.Default()}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateJob posts a new job and locks its amount in escrow.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.submit(r, market.Submission{
		Action: market.CreateJob{
			Name:        req.Name,
			Description: req.Description,
			Amount:      req.Amount,
			Nonce:       req.Nonce,
		},
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToJobDTO(rec))
}

// ApplyAction applies a lifecycle action to an existing job.
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body", err)
		return
	}
	kind := market.ActionKind(req.Action)
	if kind == market.ActionCreate {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Use POST /api/jobs to create", nil)
		return
	}
	action, err := market.ActionFor(kind, market.Resolution(req.Resolution))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Unknown action", err)
		return
	}

	rec, err := h.submit(r, market.Submission{JobID: id, Action: action, Version: req.Version})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToJobDTO(rec))
}

// submit fills in the actor, applies the rate limit and records metrics.
func (h *Handler) submit(r *http.Request, sub market.Submission) (market.JobRecord, error) {
	sub.Actor = market.NormalizeActor(r.Header.Get(ActorHeader))
	kind := string(sub.Action.Kind())
	if sub.Actor.IsZero() {
		metrics.SubmissionsTotal.WithLabelValues(kind, "error").Inc()
		return market.JobRecord{}, market.ErrIdentityUnavailable
	}
	if h.Limiter != nil && !h.Limiter.Allow(sub.Actor) {
		metrics.SubmissionsTotal.WithLabelValues(kind, "rate_limited").Inc()
		return market.JobRecord{}, errRateLimited
	}

	ctx := logger.WithLogFields(r.Context(), logger.LogFields{
		Actor:     string(sub.Actor),
		RequestID: middleware.GetReqID(r.Context()),
		Component: "api",
	})
	if sub.JobID.Valid() {
		ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(uint64(sub.JobID))})
	}

	start := time.Now()
	rec, err := h.Ledger.Submit(ctx, sub)
	metrics.SubmitDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.SubmissionsTotal.WithLabelValues(kind, outcome(err)).Inc()
	return rec, err
}

func outcome(err error) string {
	var stale *market.StaleStateError
	switch {
	case err == nil:
		return "applied"
	case errors.As(err, &stale) && stale.AlreadyApplied:
		return "replay"
	case errors.As(err, &stale):
		return "stale"
	case market.IsRejection(err):
		return "rejected"
	}
	return "error"
}

// =============================================================================
// READS
// =============================================================================

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	rec, found, err := h.Ledger.ReadJob(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, CodeNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, ToJobDTO(rec))
}

// ListJobs reads a contiguous id range. Without parameters it returns every
// job; either way at most maxBatch records.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	from, err := uintQuery(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid from", err)
		return
	}
	to, err := uintQuery(r, "to", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid to", err)
		return
	}
	if to == 0 {
		count, err := h.Ledger.ReadJobCount(ctx)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		to = count
	}
	if to >= from && to-from >= maxBatch {
		to = from + maxBatch - 1
	}

	recs, err := h.Ledger.ReadJobs(ctx, market.JobID(from), market.JobID(to))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: ToJobDTOs(recs)})
}

func (h *Handler) CountJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.ReadJobCount(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) ListOpenJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Ledger.OpenJobs(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: ToJobDTOs(recs)})
}

func (h *Handler) CountOpenJobs(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.ReadOpenJobCount(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) GetOpenJobID(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid index", err)
		return
	}
	id, err := h.Ledger.ReadOpenJobID(r.Context(), index)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OpenJobIDResponse{Index: index, ID: uint64(id)})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	ts, err := h.Ledger.History(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTOs(ts))
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Ledger.EscrowSummary(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(sum))
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Ledger.ReadJobCount(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

var errRateLimited = errors.New("rate limited")

func jobIDParam(w http.ResponseWriter, r *http.Request) (market.JobID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid job id", err)
		return 0, false
	}
	return market.JobID(id), true
}

func uintQuery(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errRateLimited) {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many submissions", nil)
		return
	}
	status, resp := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
