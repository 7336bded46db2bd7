package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/market/store"
)

func newDemoRouter(t *testing.T, arbiters ...market.Actor) (http.Handler, *market.Ledger) {
	t.Helper()
	ledger := market.NewLedger(store.NewMemory(), market.Rules{Resolver: market.NewArbiterSet(arbiters...)})
	h := NewHandler(ledger)
	h.Demo = true
	return NewRouter(h), ledger
}

func TestScenarios_RoutedOnlyInDemo(t *testing.T) {
	rec := do(t, newTestRouter(t), http.MethodGet, "/api/scenarios", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	router, _ := newDemoRouter(t)
	rec = do(t, router, http.MethodGet, "/api/scenarios", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestScenarios_Load(t *testing.T) {
	// GIVEN: A demo node whose arbiters include the demo arbiter
	// WHEN: Every scenario is loaded
	// THEN: Each one's jobs end in the expected states and escrow balances

	router, ledger := newDemoRouter(t, DemoArbiter)

	tests := []struct {
		id       string
		statuses []string
	}{
		{"lifecycle", []string{"closed"}},
		{"dispute-refund", []string{"closed"}},
		{"open-market", []string{"open", "accepted", "open", "open"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: tt.id})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			resp := decode[LoadScenarioResponse](t, rec)
			var got []string
			for _, j := range resp.Jobs {
				got = append(got, j.Status)
			}
			assert.Equal(t, tt.statuses, got)
		})
	}

	sum, err := ledger.EscrowSummary(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Balanced())
	assert.Equal(t, "100", sum.Released.String())
	assert.Equal(t, "250", sum.Refunded.String())
	assert.Equal(t, "1075", sum.Held.String())
}

func TestScenarios_Errors(t *testing.T) {
	// Without the demo arbiter the dispute cannot be resolved.
	router, _ := newDemoRouter(t)

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "dispute-refund"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(market.ReasonNotArbiter), resp.Reason)

	rec = do(t, router, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
