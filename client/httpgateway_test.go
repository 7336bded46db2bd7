package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/api"
	"github.com/warp/escrow-ledger/client"
	"github.com/warp/escrow-ledger/market"
)

// newNode starts a ledger node over an in-memory store.
func newNode(t *testing.T, limiter *api.ActorLimiter) (*httptest.Server, *client.HTTPGateway) {
	t.Helper()
	h := api.NewHandler(newLedger())
	h.Limiter = limiter
	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, client.NewHTTPGateway(srv.URL, 5*time.Second)
}

func TestHTTPGateway_Lifecycle(t *testing.T) {
	// GIVEN: A poster, two workers and an arbiter talking to one node
	// WHEN: They race for the job and take it through a dispute
	// THEN: Every outcome arrives as the same domain error it was on the node

	ctx := context.Background()
	_, gw := newNode(t, nil)
	posterApp, _ := newClient(t, gw, poster, client.EngineConfig{})
	first, _ := newClient(t, gw, worker, client.EngineConfig{})
	second, _ := newClient(t, gw, rival, client.EngineConfig{})
	arbiterApp, _ := newClient(t, gw, arbiter, client.EngineConfig{})

	job := postJob(t, posterApp, 250)
	assert.Equal(t, "250", job.Amount.String())
	require.NoError(t, first.Refresh(ctx))
	require.NoError(t, second.Refresh(ctx))

	_, err := first.AcceptJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = second.AcceptJob(ctx, job.ID)
	var stale *market.StaleStateError
	require.ErrorAs(t, err, &stale)
	require.NotNil(t, stale.Current)
	assert.Equal(t, worker, stale.Current.Worker)
	reason, ok := market.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, market.ReasonWrongStatus, reason)

	_, err = first.DisputeJob(ctx, job.ID)
	require.NoError(t, err)

	closed, err := arbiterApp.CloseJob(ctx, job.ID, market.ResolutionRefundToPoster)
	require.NoError(t, err)
	assert.Equal(t, market.StatusClosed, closed.Status)
	assert.Equal(t, market.DispositionRefunded, closed.Disposition())

	require.NoError(t, posterApp.Refresh(ctx))
	cached, _ := posterApp.Job(job.ID)
	assert.Equal(t, closed.Version, cached.Version)
	assert.True(t, closed.UpdatedAt.Equal(cached.UpdatedAt))
}

func TestHTTPGateway_Reads(t *testing.T) {
	ctx := context.Background()
	_, gw := newNode(t, nil)
	posterApp, _ := newClient(t, gw, poster, client.EngineConfig{})
	workerApp, _ := newClient(t, gw, worker, client.EngineConfig{})
	for i := 0; i < 4; i++ {
		postJob(t, posterApp, int64(i+1))
	}
	_, err := workerApp.AcceptJob(ctx, 2, client.Fresh())
	require.NoError(t, err)

	count, err := gw.ReadJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)

	openCount, err := gw.ReadOpenJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), openCount)

	id, err := gw.ReadOpenJobID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, market.JobID(3), id)

	_, err = gw.ReadOpenJobID(ctx, 3)
	assert.ErrorIs(t, err, market.ErrNotFound)

	recs, err := gw.ReadJobs(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []market.JobID{2, 3}, ids(recs))
	assert.Equal(t, market.StatusAccepted, recs[0].Status)

	_, found, err := gw.ReadJob(ctx, 42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHTTPGateway_SubmissionErrors(t *testing.T) {
	ctx := context.Background()
	_, gw := newNode(t, nil)
	create := market.CreateJob{Name: "Logo", Amount: market.MustMoney(5), Nonce: "n-1"}

	t.Run("no actor", func(t *testing.T) {
		_, err := gw.Submit(ctx, market.Submission{Action: create})
		assert.ErrorIs(t, err, market.ErrIdentityUnavailable)
	})

	t.Run("replayed create", func(t *testing.T) {
		first, err := gw.Submit(ctx, market.Submission{Actor: poster, Action: create})
		require.NoError(t, err)

		_, err = gw.Submit(ctx, market.Submission{Actor: poster, Action: create})
		var stale *market.StaleStateError
		require.ErrorAs(t, err, &stale)
		assert.True(t, stale.AlreadyApplied)
		require.NotNil(t, stale.Current)
		assert.Equal(t, first.ID, stale.Current.ID)
	})

	t.Run("ledger-side rejection", func(t *testing.T) {
		_, err := gw.Submit(ctx, market.Submission{
			Actor: poster, JobID: 1, Action: market.AcceptJob{}, Version: 1,
		})
		reason, ok := market.ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, market.ReasonSelfDealing, reason)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := gw.Submit(ctx, market.Submission{
			Actor: worker, JobID: 99, Action: market.AcceptJob{}, Version: 1,
		})
		assert.ErrorIs(t, err, market.ErrNotFound)
	})
}

func TestHTTPGateway_RateLimitedIsUnavailable(t *testing.T) {
	ctx := context.Background()
	_, gw := newNode(t, api.NewActorLimiter(0.001, 1))

	_, err := gw.Submit(ctx, market.Submission{Actor: poster, Action: market.CreateJob{Name: "a", Amount: market.MustMoney(1)}})
	require.NoError(t, err)

	_, err = gw.Submit(ctx, market.Submission{Actor: poster, Action: market.CreateJob{Name: "b", Amount: market.MustMoney(1)}})
	assert.ErrorIs(t, err, market.ErrLedgerUnavailable)

	// Limits are per actor.
	_, err = gw.Submit(ctx, market.Submission{Actor: worker, Action: market.CreateJob{Name: "c", Amount: market.MustMoney(1)}})
	require.NoError(t, err)
}

func TestHTTPGateway_NodeDown(t *testing.T) {
	srv, gw := newNode(t, nil)
	srv.Close()

	_, err := gw.ReadJobCount(context.Background())
	assert.ErrorIs(t, err, market.ErrLedgerUnavailable)
	assert.True(t, market.IsRetryable(err))
}
