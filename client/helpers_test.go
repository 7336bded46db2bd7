package client_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/client"
	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/market/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	poster  market.Actor = "0xposter"
	worker  market.Actor = "0xworker"
	rival   market.Actor = "0xrival"
	arbiter market.Actor = "0xarbiter"
)

func testRules() market.Rules {
	return market.Rules{Resolver: market.NewArbiterSet(arbiter)}
}

func newLedger() *market.Ledger {
	return market.NewLedger(store.NewMemory(), testRules())
}

// hookGateway wraps a ledger and lets tests intercept calls.
type hookGateway struct {
	ledger *market.Ledger

	submits atomic.Int64
	reads   atomic.Int64

	mu       sync.Mutex
	onSubmit func(ctx context.Context, sub market.Submission) error
	onRead   func(ctx context.Context, id market.JobID) error
}

func newHookGateway(l *market.Ledger) *hookGateway {
	return &hookGateway{ledger: l}
}

func (g *hookGateway) setOnSubmit(fn func(ctx context.Context, sub market.Submission) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSubmit = fn
}

func (g *hookGateway) setOnRead(fn func(ctx context.Context, id market.JobID) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRead = fn
}

func (g *hookGateway) Submit(ctx context.Context, sub market.Submission) (market.JobRecord, error) {
	g.submits.Add(1)
	g.mu.Lock()
	hook := g.onSubmit
	g.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, sub); err != nil {
			return market.JobRecord{}, err
		}
	}
	return g.ledger.Submit(ctx, sub)
}

func (g *hookGateway) ReadJob(ctx context.Context, id market.JobID) (market.JobRecord, bool, error) {
	g.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return market.JobRecord{}, false, err
	}
	rec, found, err := g.ledger.ReadJob(ctx, id)
	if err != nil {
		return market.JobRecord{}, false, err
	}

	// The hook runs after the read so that a stalled call returns what the
	// ledger held when it was asked.
	g.mu.Lock()
	hook := g.onRead
	g.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return market.JobRecord{}, false, err
		}
	}
	return rec, found, nil
}

func (g *hookGateway) ReadJobCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return g.ledger.ReadJobCount(ctx)
}

func (g *hookGateway) ReadOpenJobCount(ctx context.Context) (uint64, error) {
	return g.ledger.ReadOpenJobCount(ctx)
}

func (g *hookGateway) ReadOpenJobID(ctx context.Context, index uint64) (market.JobID, error) {
	return g.ledger.ReadOpenJobID(ctx, index)
}

// batchGateway adds BatchReader to hookGateway.
type batchGateway struct {
	*hookGateway
	batches atomic.Int64
}

func (g *batchGateway) ReadJobs(ctx context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	g.batches.Add(1)
	return g.ledger.ReadJobs(ctx, from, to)
}

// newClient returns an engine acting as actor over gw.
func newClient(t *testing.T, gw market.Gateway, actor market.Actor, cfg client.EngineConfig) (*client.Engine, *client.StaticWallet) {
	t.Helper()
	wallet := client.NewStaticWallet(actor)
	session := client.NewSession(wallet)
	t.Cleanup(session.Close)
	_, err := session.Connect(context.Background())
	require.NoError(t, err)
	return client.NewEngine(gw, testRules(), session, cfg), wallet
}

func postJob(t *testing.T, e *client.Engine, amount int64) market.JobRecord {
	t.Helper()
	rec, err := e.CreateJob(context.Background(), "Logo", "vector logo", market.MustMoney(amount))
	require.NoError(t, err)
	return rec
}

func ids(recs []market.JobRecord) []market.JobID {
	out := make([]market.JobID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
