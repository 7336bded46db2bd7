/*
main.go - jobctl, command-line client for the job ledger

PURPOSE:
  Acts as one account against a ledger node through the synchronizing
  client engine: actions are validated locally against the cached record
  before anything is submitted.

USAGE:
  jobctl [-ledger URL] [-account ADDR] [-fresh] <command> [args]

COMMANDS:
  list                         All jobs
  open                         Open jobs
  show ID                      One job and what the account may do to it
  history ID                   Audit trail of one job
  escrow                       Custody totals
  create -name N -amount A     Post a job (amount in base units)
                               -nonce K retries an unconfirmed create
  accept ID | complete ID | dispute ID
  close ID [-resolution R]     R is release_to_worker or refund_to_poster
  watch                        Print cache changes until interrupted

EXIT CODES:
  0 ok, 1 usage or unexpected failure, 2 rejected, 3 stale, 4 ledger unavailable
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/warp/escrow-ledger/client"
	"github.com/warp/escrow-ledger/config"
	"github.com/warp/escrow-ledger/logger"
	"github.com/warp/escrow-ledger/market"
)

type app struct {
	cfg    config.Config
	engine *client.Engine
	ledger *ledgerAPI
	fresh  bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ledgerURL := flag.String("ledger", cfg.Client.LedgerURL, "Ledger node base URL")
	account := flag.String("account", os.Getenv("LEDGER_ACCOUNT"), "Account to act as")
	fresh := flag.Bool("fresh", false, "Re-read the job before validating an action")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	cfg.Client.LedgerURL = *ledgerURL

	log := logger.New(os.Stderr, cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var accounts []market.Actor
	if a := market.NormalizeActor(*account); !a.IsZero() {
		accounts = append(accounts, a)
	}
	session := client.NewSession(client.NewStaticWallet(accounts...))
	defer session.Close()
	if len(accounts) > 0 {
		if _, err := session.Connect(ctx); err != nil {
			fatal(err)
		}
	}

	gateway := client.NewHTTPGateway(cfg.Client.LedgerURL, cfg.Client.RequestTimeout)
	a := &app{
		cfg: cfg,
		engine: client.NewEngine(gateway, clientRules(cfg), session, client.EngineConfig{
			RequestTimeout: cfg.Client.RequestTimeout,
			Logger:         log,
		}),
		ledger: newLedgerAPI(cfg.Client.LedgerURL, cfg.Client.RequestTimeout),
		fresh:  *fresh,
	}

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatal(err)
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "list":
		if err := a.engine.Refresh(ctx); err != nil {
			return err
		}
		printJobs(a.engine.AllJobs())
	case "open":
		if err := a.engine.Refresh(ctx); err != nil {
			return err
		}
		printJobs(a.engine.OpenJobs())
	case "show":
		id, err := jobArg(args)
		if err != nil {
			return err
		}
		return a.show(ctx, id)
	case "history":
		id, err := jobArg(args)
		if err != nil {
			return err
		}
		return a.history(ctx, id)
	case "escrow":
		return a.escrow(ctx)
	case "create":
		return a.create(ctx, args)
	case "accept", "complete", "dispute", "close":
		return a.act(ctx, market.ActionKind(cmd), args)
	case "watch":
		return a.watch(ctx)
	default:
		printUsage()
		os.Exit(1)
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) show(ctx context.Context, id market.JobID) error {
	if err := a.engine.Refresh(ctx); err != nil {
		return err
	}
	rec, ok := a.engine.Job(id)
	if !ok {
		return fmt.Errorf("job %d: %w", id, market.ErrNotFound)
	}
	printJob(rec)
	if caps := a.engine.Capabilities(id); len(caps) > 0 {
		fmt.Printf("you may: %v\n", caps)
	}
	return nil
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "Job name")
	desc := fs.String("desc", "", "Job description")
	amount := fs.String("amount", "", "Amount in base units")
	decimals := fs.Int("decimals", 0, "Interpret -amount in display units with this many decimals")
	nonce := fs.String("nonce", "", "Reuse the nonce of an unconfirmed create")
	fs.Parse(args)

	var (
		money market.Money
		err   error
	)
	if *decimals > 0 {
		money, err = market.ParseMoneyUnits(*amount, int32(*decimals))
	} else {
		money, err = market.ParseMoney(*amount)
	}
	if err != nil {
		return err
	}

	var opts []client.ActionOption
	if *nonce != "" {
		opts = append(opts, client.WithNonce(*nonce))
	}
	rec, err := a.engine.CreateJob(ctx, *name, *desc, money, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("created job %d\n", rec.ID)
	printJob(rec)
	return nil
}

func (a *app) act(ctx context.Context, kind market.ActionKind, args []string) error {
	id, err := jobArg(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	resolution := fs.String("resolution", "", "Close resolution")
	fs.Parse(args[1:])

	act, err := market.ActionFor(kind, market.Resolution(*resolution))
	if err != nil {
		return err
	}
	var opts []client.ActionOption
	if a.fresh {
		opts = append(opts, client.Fresh())
	}
	rec, err := a.engine.Do(ctx, id, act, opts...)
	if err != nil {
		return err
	}
	printJob(rec)
	return nil
}

func (a *app) watch(ctx context.Context) error {
	unsubscribe := a.engine.Subscribe(func(c client.Change) {
		for _, id := range c.JobIDs {
			if rec, ok := a.engine.Job(id); ok {
				fmt.Printf("%s  job %d  %s  v%d\n", c.At.Format("15:04:05"), rec.ID, rec.Status, rec.Version)
			}
		}
	})
	defer unsubscribe()

	poller := client.NewPoller(a.engine, a.cfg.Client.RefreshInterval)
	poller.Logger = slog.Default()
	poller.Start()
	<-ctx.Done()
	poller.Stop()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// ledgerDecides lets any account attempt a dispute resolution and leaves the
// decision to the node.
type ledgerDecides struct{}

func (ledgerDecides) CanResolve(market.Actor, market.JobRecord) bool { return true }

// clientRules mirrors the node's arbiters when LEDGER_ARBITERS is set.
func clientRules(cfg config.Config) market.Rules {
	if len(cfg.Node.Arbiters) > 0 {
		return market.Rules{Resolver: market.NewArbiterSet(cfg.Node.Arbiters...)}
	}
	return market.Rules{Resolver: ledgerDecides{}}
}

func jobArg(args []string) (market.JobID, error) {
	if len(args) < 1 {
		return 0, errors.New("missing job id")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid job id %q", args[0])
	}
	return market.JobID(id), nil
}

func fatal(err error) {
	var (
		stale       *market.StaleStateError
		unconfirmed *client.UnconfirmedCreateError
	)
	switch {
	case errors.As(err, &unconfirmed):
		fmt.Fprintf(os.Stderr, "create unconfirmed: %v\nretry with: create -nonce %s ...\n", unconfirmed.Err, unconfirmed.Nonce)
		os.Exit(4)
	case errors.As(err, &stale):
		if stale.AlreadyApplied {
			fmt.Fprintln(os.Stderr, "already applied")
		} else {
			fmt.Fprintf(os.Stderr, "job changed on the ledger (you saw v%d): %v\n", stale.Known, err)
		}
		if stale.Current != nil {
			printJob(*stale.Current)
		}
		os.Exit(3)
	case market.IsRejection(err):
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(2)
	case market.IsRetryable(err):
		fmt.Fprintf(os.Stderr, "ledger unavailable, try again: %v\n", err)
		os.Exit(4)
	case errors.Is(err, market.ErrIdentityUnavailable):
		fmt.Fprintln(os.Stderr, "no account selected; pass -account")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: jobctl [-ledger URL] [-account ADDR] [-fresh] <command> [args]

Commands:
  list | open | escrow | watch
  show ID | history ID
  create -name N -amount A [-desc D] [-decimals N] [-nonce K]
  accept ID | complete ID | dispute ID
  close ID [-resolution release_to_worker|refund_to_poster]
`)
}
