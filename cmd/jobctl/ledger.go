package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/escrow-ledger/api"
	"github.com/warp/escrow-ledger/market"
)

// ledgerAPI covers the node reads the engine does not cache: audit history
// and escrow totals.
type ledgerAPI struct {
	client *resty.Client
}

func newLedgerAPI(baseURL string, timeout time.Duration) *ledgerAPI {
	return &ledgerAPI{client: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")}
}

func (l *ledgerAPI) get(ctx context.Context, path string, out any) error {
	resp, err := l.client.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %v: %w", path, err, market.ErrLedgerUnavailable)
	}
	if !resp.IsSuccess() {
		var body api.ErrorResponse
		if json.Unmarshal(resp.Body(), &body) == nil && body.Code != "" {
			return api.DecodeError(resp.StatusCode(), body)
		}
		return fmt.Errorf("GET %s: %s: %w", path, resp.Status(), market.ErrLedgerUnavailable)
	}
	return nil
}

func (a *app) history(ctx context.Context, id market.JobID) error {
	var out []api.TransitionDTO
	if err := a.ledger.get(ctx, "/api/jobs/"+strconv.FormatUint(uint64(id), 10)+"/history", &out); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tACTION\tFROM\tTO\tACTOR\tAT")
	for _, t := range out {
		from := t.From
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", t.Version, t.Action, from, t.To, t.Actor, t.At)
	}
	return w.Flush()
}

func (a *app) escrow(ctx context.Context) error {
	var out api.EscrowDTO
	if err := a.ledger.get(ctx, "/api/escrow", &out); err != nil {
		return err
	}
	fmt.Printf("locked    %s\nheld      %s\nreleased  %s\nrefunded  %s\nbalanced  %t\n",
		out.Locked, out.Held, out.Released, out.Refunded, out.Balanced)
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func printJobs(recs []market.JobRecord) {
	if len(recs) == 0 {
		fmt.Println("no jobs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAMOUNT\tPOSTER\tWORKER\tNAME")
	for _, r := range recs {
		worker := string(r.Worker)
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Amount, r.Poster, worker, r.Name)
	}
	w.Flush()
}

func printJob(r market.JobRecord) {
	fmt.Printf("job %d (v%d): %s\n", r.ID, r.Version, r.Name)
	if r.Description != "" {
		fmt.Printf("  %s\n", r.Description)
	}
	fmt.Printf("  status  %s\n  amount  %s (%s)\n  poster  %s\n", r.Status, r.Amount, r.Disposition(), r.Poster)
	if !r.Worker.IsZero() {
		fmt.Printf("  worker  %s\n", r.Worker)
	}
	if r.Resolution != market.ResolutionNone {
		fmt.Printf("  closed  %s\n", r.Resolution)
	}
}
