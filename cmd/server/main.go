/*
main.go - Ledger node entry point

PURPOSE:
  Runs the authoritative job ledger: one SQLite database, one HTTP API.
  Every submission is applied in its own database transaction, so the
  node totally orders transitions without a consensus protocol.

STARTUP SEQUENCE:
  1. Load configuration (env, .env in development), then flags
  2. Configure slog
  3. Initialize SQLite store
  4. Build the ledger with the configured arbiters
  5. Create API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port       HTTP server port            (LEDGER_PORT, default 8080)
  -db         SQLite database path        (LEDGER_DB, default escrow.db)
              Use ":memory:" for an in-memory database
  -arbiters   Comma-separated arbiter accounts (LEDGER_ARBITERS)
  -demo       Serve /api/scenarios and add the demo arbiter

  Without arbiters, disputed jobs cannot be closed.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - market/ledger.go: Submission handling
  - config/config.go: Environment keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/warp/escrow-ledger/api"
	"github.com/warp/escrow-ledger/config"
	"github.com/warp/escrow-ledger/logger"
	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	port := flag.String("port", cfg.Node.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Node.DBPath, "SQLite database path")
	arbiters := flag.String("arbiters", joinActors(cfg.Node.Arbiters), "Comma-separated arbiter accounts")
	demo := flag.Bool("demo", false, "Enable demo scenario loaders")
	flag.Parse()

	logger.Setup(cfg)

	store, err := sqlite.New(*dbPath)
	if err != nil {
		slog.Error("failed to initialize database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	arbiterList := splitActors(*arbiters)
	if *demo {
		arbiterList = append(arbiterList, api.DemoArbiter)
	}

	var rules market.Rules
	if set := market.NewArbiterSet(arbiterList...); len(set) > 0 {
		rules.Resolver = set
	} else {
		slog.Warn("no arbiters configured; disputes cannot be resolved")
	}

	ledger := market.NewLedger(store, rules)
	handler := api.NewHandler(ledger)
	handler.Limiter = api.NewActorLimiter(cfg.Node.RateQPS, cfg.Node.RateBurst)
	handler.Demo = *demo

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger node starting", "addr", server.Addr, "db", *dbPath, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func splitActors(s string) []market.Actor {
	var out []market.Actor
	for _, part := range strings.Split(s, ",") {
		if a := market.NormalizeActor(part); !a.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

func joinActors(actors []market.Actor) string {
	parts := make([]string, len(actors))
	for i, a := range actors {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
