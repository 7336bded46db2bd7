package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/client"
	"github.com/warp/escrow-ledger/market"
)

func TestPoller_RefreshesUntilStopped(t *testing.T) {
	// GIVEN: A worker client with a poller and an empty cache
	// WHEN: The poster creates a job on another client
	// THEN: The poller brings it into the worker's cache without user action

	gw := newHookGateway(newLedger())
	posterApp, _ := newClient(t, gw, poster, client.EngineConfig{})
	app, _ := newClient(t, gw, worker, client.EngineConfig{})

	refreshed := make(chan error, 16)
	p := client.NewPoller(app, 10*time.Millisecond)
	p.OnRefresh = func(err error) {
		select {
		case refreshed <- err:
		default:
		}
	}
	p.Start()
	p.Start() // no-op while running

	require.NoError(t, <-refreshed)
	job := postJob(t, posterApp, 10)

	require.Eventually(t, func() bool {
		_, ok := app.Job(job.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, app.RefreshedAt().IsZero())
}

func TestPoller_ReportsFailures(t *testing.T) {
	gw := newHookGateway(newLedger())
	posterApp, _ := newClient(t, gw, poster, client.EngineConfig{})
	postJob(t, posterApp, 10)

	gw.setOnRead(func(context.Context, market.JobID) error {
		return market.ErrLedgerUnavailable
	})
	app, _ := newClient(t, gw, worker, client.EngineConfig{})

	refreshed := make(chan error, 1)
	p := client.NewPoller(app, time.Hour)
	p.OnRefresh = func(err error) {
		select {
		case refreshed <- err:
		default:
		}
	}
	p.Start()
	defer p.Stop()

	assert.ErrorIs(t, <-refreshed, market.ErrLedgerUnavailable)
}
