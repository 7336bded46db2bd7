package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/escrow-ledger/api"
	"github.com/warp/escrow-ledger/market"
)

// HTTPGateway talks to a ledger node over its HTTP API. Transport failures
// and unexpected 5xx responses are ErrLedgerUnavailable; typed error bodies
// are mapped back to the domain errors.
type HTTPGateway struct {
	client *resty.Client
}

var (
	_ market.Gateway     = (*HTTPGateway)(nil)
	_ market.BatchReader = (*HTTPGateway)(nil)
)

// NewHTTPGateway builds a gateway for the node at baseURL. timeout bounds
// each HTTP exchange; zero leaves it to the caller's context.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &HTTPGateway{client: c}
}

func (g *HTTPGateway) Submit(ctx context.Context, sub market.Submission) (market.JobRecord, error) {
	if sub.Action == nil {
		return market.JobRecord{}, errors.New("submission without action")
	}
	req := g.client.R().
		SetContext(ctx).
		SetHeader(api.ActorHeader, string(sub.Actor))

	var path string
	if create, ok := sub.Action.(market.CreateJob); ok {
		path = "/api/jobs"
		req.SetBody(api.CreateJobRequest{
			Name:        create.Name,
			Description: create.Description,
			Amount:      create.Amount,
			Nonce:       create.Nonce,
		})
	} else {
		path = "/api/jobs/" + strconv.FormatUint(uint64(sub.JobID), 10) + "/actions"
		body := api.ActionRequest{Action: string(sub.Action.Kind()), Version: sub.Version}
		if closeJob, ok := sub.Action.(market.CloseJob); ok {
			body.Resolution = string(closeJob.Resolution)
		}
		req.SetBody(body)
	}

	var out api.JobDTO
	resp, err := req.SetResult(&out).Post(path)
	if err := g.check(resp, err); err != nil {
		return market.JobRecord{}, err
	}
	return out.Record()
}

func (g *HTTPGateway) ReadJob(ctx context.Context, id market.JobID) (market.JobRecord, bool, error) {
	var out api.JobDTO
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/jobs/" + strconv.FormatUint(uint64(id), 10))
	if err := g.check(resp, err); err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return market.JobRecord{}, false, nil
		}
		return market.JobRecord{}, false, err
	}
	rec, err := out.Record()
	if err != nil {
		return market.JobRecord{}, false, err
	}
	return rec, true, nil
}

func (g *HTTPGateway) ReadJobCount(ctx context.Context) (uint64, error) {
	return g.count(ctx, "/api/jobs/count")
}

func (g *HTTPGateway) ReadOpenJobCount(ctx context.Context) (uint64, error) {
	return g.count(ctx, "/api/jobs/open/count")
}

func (g *HTTPGateway) ReadOpenJobID(ctx context.Context, index uint64) (market.JobID, error) {
	var out api.OpenJobIDResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/jobs/open/" + strconv.FormatUint(index, 10))
	if err := g.check(resp, err); err != nil {
		return 0, err
	}
	return market.JobID(out.ID), nil
}

func (g *HTTPGateway) ReadJobs(ctx context.Context, from, to market.JobID) ([]market.JobRecord, error) {
	var out api.JobsResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("from", strconv.FormatUint(uint64(from), 10)).
		SetQueryParam("to", strconv.FormatUint(uint64(to), 10)).
		SetResult(&out).
		Get("/api/jobs")
	if err := g.check(resp, err); err != nil {
		return nil, err
	}
	recs := make([]market.JobRecord, 0, len(out.Jobs))
	for _, dto := range out.Jobs {
		rec, err := dto.Record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (g *HTTPGateway) count(ctx context.Context, path string) (uint64, error) {
	var out api.CountResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(path)
	if err := g.check(resp, err); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// check maps a transport error or a non-2xx response to a domain error.
func (g *HTTPGateway) check(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%v: %w", err, market.ErrLedgerUnavailable)
	}
	if resp.IsSuccess() {
		return nil
	}

	var body api.ErrorResponse
	if jerr := json.Unmarshal(resp.Body(), &body); jerr != nil || body.Code == "" {
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%s: %w", resp.Request.URL, market.ErrNotFound)
		}
		return fmt.Errorf("ledger responded %s: %w", resp.Status(), market.ErrLedgerUnavailable)
	}
	return api.DecodeError(resp.StatusCode(), body)
}
