/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Status and error-code mapping of submissions
- Read endpoints (ranges, open index, history, escrow)
- Per-actor rate limiting
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/market/store"
)

const (
	poster  = "0xposter"
	worker  = "0xworker"
	arbiter = "0xarbiter"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ledger := market.NewLedger(store.NewMemory(), market.Rules{Resolver: market.NewArbiterSet(arbiter)})
	return NewRouter(NewHandler(ledger))
}

func do(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createJob(t *testing.T, h http.Handler, amount int64) JobDTO {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/jobs", poster, CreateJobRequest{
		Name:   "Logo",
		Amount: market.MustMoney(amount),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[JobDTO](t, rec)
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

func TestCreateJob(t *testing.T) {
	h := newTestRouter(t)

	job := createJob(t, h, 100)
	assert.Equal(t, uint64(1), job.ID)
	assert.Equal(t, "open", job.Status)
	assert.Equal(t, poster, job.Poster)
	assert.Equal(t, string(market.DispositionHeld), job.Disposition)
}

func TestCreateJob_Errors(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name   string
		actor  string
		body   any
		status int
		code   string
		reason string
	}{
		{"no actor", "", CreateJobRequest{Name: "x", Amount: market.MustMoney(1)}, http.StatusUnauthorized, CodeIdentityUnavailable, ""},
		{"zero amount", poster, CreateJobRequest{Name: "x", Amount: market.Zero}, http.StatusUnprocessableEntity, CodeValidationRejected, "non_positive_amount"},
		{"empty name", poster, CreateJobRequest{Name: " ", Amount: market.MustMoney(1)}, http.StatusUnprocessableEntity, CodeValidationRejected, "empty_name"},
		{"bad body", poster, "not an object", http.StatusBadRequest, CodeBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/jobs", tt.actor, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestApplyAction_Lifecycle(t *testing.T) {
	// GIVEN: An open job
	// WHEN: The worker accepts and completes it and the poster closes it
	// THEN: Each step returns the next version; the history has four entries

	h := newTestRouter(t)
	job := createJob(t, h, 50)

	steps := []struct {
		actor   string
		action  string
		version uint64
		status  string
	}{
		{worker, "accept", 1, "accepted"},
		{worker, "complete", 2, "completed"},
		{poster, "close", 3, "closed"},
	}
	for _, s := range steps {
		rec := do(t, h, http.MethodPost, "/api/jobs/1/actions", s.actor, ActionRequest{Action: s.action, Version: s.version})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[JobDTO](t, rec)
		assert.Equal(t, s.status, got.Status)
		assert.Equal(t, s.version+1, got.Version)
	}

	rec := do(t, h, http.MethodGet, "/api/jobs/1/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]TransitionDTO](t, rec)
	assert.Len(t, history, 4)

	rec = do(t, h, http.MethodGet, "/api/escrow", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	escrow := decode[EscrowDTO](t, rec)
	assert.Equal(t, job.Amount.String(), escrow.Released.String())
}

func TestApplyAction_StaleCarriesCurrent(t *testing.T) {
	h := newTestRouter(t)
	createJob(t, h, 50)

	rec := do(t, h, http.MethodPost, "/api/jobs/1/actions", worker, ActionRequest{Action: "accept", Version: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/jobs/1/actions", "0xrival", ActionRequest{Action: "accept", Version: 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeStaleState, resp.Code)
	assert.Equal(t, "wrong_status", resp.Reason)
	assert.Equal(t, uint64(1), resp.KnownVersion)
	require.NotNil(t, resp.Current)
	assert.Equal(t, worker, resp.Current.Worker)

	err := DecodeError(rec.Code, resp)
	var stale *market.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current.Version)
	reason, ok := market.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, market.ReasonWrongStatus, reason)
}

func TestApplyAction_Replay(t *testing.T) {
	h := newTestRouter(t)
	createJob(t, h, 50)
	body := ActionRequest{Action: "accept", Version: 1}

	rec := do(t, h, http.MethodPost, "/api/jobs/1/actions", worker, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/jobs/1/actions", worker, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.True(t, resp.AlreadyApplied)
}

func TestApplyAction_BadRequests(t *testing.T) {
	h := newTestRouter(t)
	createJob(t, h, 50)

	tests := []struct {
		name   string
		path   string
		body   ActionRequest
		status int
		code   string
	}{
		{"unknown action", "/api/jobs/1/actions", ActionRequest{Action: "cancel", Version: 1}, http.StatusBadRequest, CodeBadRequest},
		{"create via actions", "/api/jobs/1/actions", ActionRequest{Action: "create", Version: 1}, http.StatusBadRequest, CodeBadRequest},
		{"bad id", "/api/jobs/zero/actions", ActionRequest{Action: "accept", Version: 1}, http.StatusBadRequest, CodeBadRequest},
		{"unknown job", "/api/jobs/9/actions", ActionRequest{Action: "accept", Version: 1}, http.StatusNotFound, CodeNotFound},
		{"self dealing", "/api/jobs/1/actions", ActionRequest{Action: "accept", Version: 1}, http.StatusUnprocessableEntity, CodeValidationRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := worker
			if tt.name == "self dealing" {
				actor = poster
			}
			rec := do(t, h, http.MethodPost, tt.path, actor, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	ledger := market.NewLedger(store.NewMemory(), market.Rules{})
	handler := NewHandler(ledger)
	handler.Limiter = NewActorLimiter(0.001, 2)
	h := NewRouter(handler)

	for i := 0; i < 2; i++ {
		createJob(t, h, 1)
	}
	rec := do(t, h, http.MethodPost, "/api/jobs", poster, CreateJobRequest{Name: "x", Amount: market.MustMoney(1)})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, rec).Code)

	// Reads are never limited.
	rec = do(t, h, http.MethodGet, "/api/jobs/count", poster, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Nil(t, NewActorLimiter(0, 1))
}

// =============================================================================
// READS
// =============================================================================

func TestReads(t *testing.T) {
	h := newTestRouter(t)
	for i := 0; i < 3; i++ {
		createJob(t, h, int64(i+1))
	}
	rec := do(t, h, http.MethodPost, "/api/jobs/2/actions", worker, ActionRequest{Action: "accept", Version: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs/count", "", nil)
	assert.Equal(t, uint64(3), decode[CountResponse](t, rec).Count)

	rec = do(t, h, http.MethodGet, "/api/jobs/open/count", "", nil)
	assert.Equal(t, uint64(2), decode[CountResponse](t, rec).Count)

	rec = do(t, h, http.MethodGet, "/api/jobs/open/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(3), decode[OpenJobIDResponse](t, rec).ID)

	rec = do(t, h, http.MethodGet, "/api/jobs/open/2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs/open", "", nil)
	open := decode[JobsResponse](t, rec).Jobs
	require.Len(t, open, 2)
	assert.Equal(t, uint64(1), open[0].ID)
	assert.Equal(t, uint64(3), open[1].ID)

	rec = do(t, h, http.MethodGet, "/api/jobs?from=2&to=3", "", nil)
	jobs := decode[JobsResponse](t, rec).Jobs
	require.Len(t, jobs, 2)
	assert.Equal(t, "accepted", jobs[0].Status)

	rec = do(t, h, http.MethodGet, "/api/jobs", "", nil)
	assert.Len(t, decode[JobsResponse](t, rec).Jobs, 3)

	rec = do(t, h, http.MethodGet, "/api/jobs?from=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs/7", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs/7/history", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
