/*
poller.go - Background refresh loop

PURPOSE:
  Keeps a long-running client's cache converging on the ledger without
  user action by calling Engine.Refresh on a fixed interval.

DESIGN:
  - Runs one goroutine; refreshes immediately on Start, then per tick
  - A failed refresh is logged and retried on the next tick
  - Stop cancels an in-flight refresh and waits for the goroutine

USAGE:
  poller := NewPoller(engine, 5*time.Second)
  poller.Start()
  // ... later
  poller.Stop()
*/
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/escrow-ledger/logger"
)

type Poller struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *slog.Logger

	// OnRefresh, when set, is called after every attempt.
	OnRefresh func(err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPoller(engine *Engine, interval time.Duration) *Poller {
	return &Poller{Engine: engine, Interval: interval, Logger: slog.Default()}
}

// Start begins polling. Calling Start on a running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.Interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "client.poller"})
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)
	go p.run(ctx)

	p.Logger.InfoContext(ctx, "poller started", "interval", p.Interval)
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	p.Logger.Info("poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.refresh(ctx)
	for {
		select {
		case <-ticker.C:
			p.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	err := p.Engine.Refresh(ctx)
	if err != nil && ctx.Err() == nil {
		p.Logger.WarnContext(ctx, "refresh failed", "error", err)
	}
	if p.OnRefresh != nil {
		p.OnRefresh(err)
	}
}
