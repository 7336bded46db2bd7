/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Populates the ledger with realistic job histories through the normal
	submission path, so a fresh node has something to look at and every
	transition in the seeded data passed the rules.

AVAILABLE SCENARIOS:

	lifecycle:       One job posted, accepted, completed and closed
	dispute-refund:  One job accepted, disputed and refunded by the arbiter
	open-market:     Several open jobs from two posters, one already taken

HOW SCENARIOS WORK:
 1. Submit each step as the demo account that owns it
 2. Stop at the first failure and report it

	The ledger is append-only, so loading a scenario twice appends a second
	copy under new job ids. There is no reset.

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "lifecycle"}

	Only routed when Handler.Demo is set (cmd/server -demo).

NOTE:

	dispute-refund needs DemoArbiter among the node's arbiters.

SEE ALSO:
  - handlers.go: Submission path shared with the real endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/escrow-ledger/market"
)

// Demo accounts used by the scenarios.
const (
	DemoPoster  market.Actor = "0xd0000000000000000000000000000000000000a1"
	DemoPoster2 market.Actor = "0xd0000000000000000000000000000000000000a2"
	DemoWorker  market.Actor = "0xd0000000000000000000000000000000000000b1"
	DemoArbiter market.Actor = "0xd0000000000000000000000000000000000000c1"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	ScenarioID string   `json:"scenario_id"`
	Jobs       []JobDTO `json:"jobs"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "lifecycle",
		Name:        "Happy Path",
		Description: "Logo job posted, accepted, completed and closed; escrow released to the worker",
	},
	{
		ID:          "dispute-refund",
		Name:        "Dispute Refund",
		Description: "Accepted job disputed by the poster and refunded by the arbiter",
	},
	{
		ID:          "open-market",
		Name:        "Open Market",
		Description: "Four jobs from two posters; one accepted, three still open",
	},
}

// step is one submission in a scenario. job indexes the jobs created so far
// in the same scenario; it is ignored for creates.
type step struct {
	actor  market.Actor
	job    int
	action market.Action
}

func postStep(actor market.Actor, name, desc string, amount int64) step {
	return step{actor: actor, action: market.CreateJob{Name: name, Description: desc, Amount: market.MustMoney(amount)}}
}

func scenarioSteps(id string) ([]step, bool) {
	switch id {
	case "lifecycle":
		return []step{
			postStep(DemoPoster, "Logo", "Design a logo", 100),
			{DemoWorker, 0, market.AcceptJob{}},
			{DemoWorker, 0, market.CompleteJob{}},
			{DemoPoster, 0, market.CloseJob{}},
		}, true
	case "dispute-refund":
		return []step{
			postStep(DemoPoster, "Landing page", "Single page, responsive", 250),
			{DemoWorker, 0, market.AcceptJob{}},
			{DemoPoster, 0, market.DisputeJob{}},
			{DemoArbiter, 0, market.CloseJob{Resolution: market.ResolutionRefundToPoster}},
		}, true
	case "open-market":
		return []step{
			postStep(DemoPoster, "Translate README", "EN to FR", 40),
			postStep(DemoPoster, "Fix flaky test", "", 75),
			postStep(DemoPoster2, "Audit contract", "Escrow contract review", 900),
			postStep(DemoPoster2, "Write docs", "", 60),
			{DemoWorker, 1, market.AcceptJob{}},
		}, true
	}
	return nil, false
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs the named scenario against the ledger.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body", err)
		return
	}
	steps, ok := scenarioSteps(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	recs, err := h.runScenario(r.Context(), steps)
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.Logger.InfoContext(r.Context(), "scenario loaded", "scenario", req.ScenarioID, "jobs", len(recs))
	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: req.ScenarioID, Jobs: ToJobDTOs(recs)})
}

// runScenario submits steps in order and returns the final record of every
// job the scenario created.
func (h *Handler) runScenario(ctx context.Context, steps []step) ([]market.JobRecord, error) {
	var jobs []market.JobRecord
	for i, s := range steps {
		sub := market.Submission{Actor: s.actor, Action: s.action}
		if _, isCreate := s.action.(market.CreateJob); !isCreate {
			if s.job >= len(jobs) {
				return nil, fmt.Errorf("step %d refers to job %d before it exists", i, s.job)
			}
			sub.JobID = jobs[s.job].ID
			sub.Version = jobs[s.job].Version
		}

		rec, err := h.Ledger.Submit(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, s.action.Kind(), err)
		}
		if sub.JobID.Valid() {
			jobs[s.job] = rec
		} else {
			jobs = append(jobs, rec)
		}
	}
	return jobs, nil
}
