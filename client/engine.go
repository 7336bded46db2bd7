/*
engine.go - Synchronizing client engine

PURPOSE:
  Mediates every interaction between a client and the ledger. It validates
  actions locally against the cached record, submits them, and keeps the
  JobStore converging on the ledger's state.

MUTATION FLOW:
  1. Resolve identity              → none? ErrIdentityUnavailable
  2. Per-job lock (ctx-aware)      → same-job mutations are serialized
  3. Cached record, or ReadJob     → missing? NotFound
  4. Rules.Validate locally        → rejected? ValidationError, ledger untouched
  5. Epoch unchanged?              → switched? ErrIdentityUnavailable
  6. Submit                        → ok: cache the returned record
  7. Ledger said no                → ReadJob, return StaleStateError
  8. Optional bulk refresh         → failures logged only

  ErrLedgerUnavailable is returned as is. The engine never retries a submit.

LATE RESPONSES:
  Every read or submit for a job takes a ticket. A read is cached only if
  its ticket is still the newest for that job or it carries a newer version
  than the cache. A submit result is the ledger's own copy and is always
  cached. The JobStore refuses to regress a version either way.

CREATE RETRIES:
  A create is keyed by its nonce. Without WithNonce the engine mints one;
  if the outcome is unknown the error is an *UnconfirmedCreateError naming
  it, and retrying with WithNonce(nonce) is answered AlreadyApplied instead
  of locking the escrow twice.

BULK REFRESH:
  Counts are read concurrently, records 1..count are fetched through
  BatchReader in chunks when the gateway supports it (else one by one),
  then the ledger's open index is walked and every disagreeing job is
  re-read. The result is best-effort: not an atomic snapshot.

  Concurrent Refresh calls share one run. The run is detached from the
  callers' cancellation; each caller stops waiting on its own context.
  Reads for a mutation are never shared.

SEE ALSO:
  - jobstore.go: The cache
  - session.go: Identity and epochs
  - market/rules.go: The rules run on both sides
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/warp/escrow-ledger/logger"
	"github.com/warp/escrow-ledger/market"
	"github.com/warp/escrow-ledger/metrics"
)

const defaultBatchSize = 100

type EngineConfig struct {
	// RequestTimeout bounds each gateway call. A call that runs out of time
	// fails with ErrLedgerUnavailable. Zero means no bound.
	RequestTimeout time.Duration

	// RefreshAfterMutation runs a bulk refresh after every successful
	// mutation.
	RefreshAfterMutation bool

	// BatchSize is the id range per BatchReader call.
	BatchSize int

	Logger *slog.Logger
}

type Engine struct {
	gateway market.Gateway
	rules   market.Rules
	session *Session
	store   *JobStore
	cfg     EngineConfig
	log     *slog.Logger

	locksMu sync.Mutex
	locks   map[market.JobID]*jobLock

	ticketsMu sync.Mutex
	tickets   map[market.JobID]*ticketState
	ticketSeq uint64

	reads singleflight.Group
}

func NewEngine(gateway market.Gateway, rules market.Rules, session *Session, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gateway: gateway,
		rules:   rules,
		session: session,
		store:   NewJobStore(),
		cfg:     cfg,
		log:     log,
		locks:   make(map[market.JobID]*jobLock),
		tickets: make(map[market.JobID]*ticketState),
	}
}

// =============================================================================
// PRESENTATION
// =============================================================================

func (e *Engine) Session() *Session { return e.session }

func (e *Engine) AllJobs() []market.JobRecord { return e.store.AllJobs() }

func (e *Engine) OpenJobs() []market.JobRecord { return e.store.OpenJobs() }

// Job returns the cached record for the selected job.
func (e *Engine) Job(id market.JobID) (market.JobRecord, bool) { return e.store.Get(id) }

// Capabilities lists what the current identity may do to job id right now,
// judged against the cache.
func (e *Engine) Capabilities(id market.JobID) []market.ActionKind {
	rec, ok := e.store.Get(id)
	if !ok {
		return nil
	}
	actor, err := e.session.Current()
	if err != nil {
		return nil
	}
	return e.rules.Capabilities(rec, actor)
}

// Subscribe registers fn for every cache change.
func (e *Engine) Subscribe(fn func(Change)) func() { return e.store.Subscribe(fn) }

// RefreshedAt is when the last bulk refresh completed.
func (e *Engine) RefreshedAt() time.Time { return e.store.RefreshedAt() }

// =============================================================================
// MUTATIONS
// =============================================================================

type actionOptions struct {
	fresh bool
	nonce string
}

type ActionOption func(*actionOptions)

// Fresh re-reads the job from the ledger before validating, instead of
// trusting the cache.
func Fresh() ActionOption {
	return func(o *actionOptions) { o.fresh = true }
}

// WithNonce keys a create. Reuse the nonce of an *UnconfirmedCreateError to
// retry that create safely.
func WithNonce(nonce string) ActionOption {
	return func(o *actionOptions) { o.nonce = nonce }
}

// UnconfirmedCreateError is returned when a create may or may not have been
// applied. Nonce identifies it on the ledger.
type UnconfirmedCreateError struct {
	Nonce string
	Err   error
}

func (e *UnconfirmedCreateError) Error() string {
	return fmt.Sprintf("create %s unconfirmed: %v", e.Nonce, e.Err)
}

func (e *UnconfirmedCreateError) Unwrap() error { return e.Err }

func (e *Engine) CreateJob(ctx context.Context, name, description string, amount market.Money, opts ...ActionOption) (market.JobRecord, error) {
	return e.Do(ctx, 0, market.CreateJob{Name: name, Description: description, Amount: amount}, opts...)
}

func (e *Engine) AcceptJob(ctx context.Context, id market.JobID, opts ...ActionOption) (market.JobRecord, error) {
	return e.Do(ctx, id, market.AcceptJob{}, opts...)
}

func (e *Engine) CompleteJob(ctx context.Context, id market.JobID, opts ...ActionOption) (market.JobRecord, error) {
	return e.Do(ctx, id, market.CompleteJob{}, opts...)
}

func (e *Engine) DisputeJob(ctx context.Context, id market.JobID, opts ...ActionOption) (market.JobRecord, error) {
	return e.Do(ctx, id, market.DisputeJob{}, opts...)
}

// CloseJob closes a completed job (resolution empty or release_to_worker)
// or resolves a dispute (resolution required).
func (e *Engine) CloseJob(ctx context.Context, id market.JobID, resolution market.Resolution, opts ...ActionOption) (market.JobRecord, error) {
	return e.Do(ctx, id, market.CloseJob{Resolution: resolution}, opts...)
}

// Do performs act on job id as the current identity. id is ignored for
// CreateJob.
func (e *Engine) Do(ctx context.Context, id market.JobID, act market.Action, opts ...ActionOption) (market.JobRecord, error) {
	if act == nil {
		return market.JobRecord{}, errors.New("nil action")
	}
	var o actionOptions
	for _, opt := range opts {
		opt(&o)
	}

	actor, epoch, err := e.session.snapshot()
	if err != nil {
		return market.JobRecord{}, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Actor: string(actor), Component: "client.engine"})

	var rec market.JobRecord
	if create, ok := act.(market.CreateJob); ok {
		rec, err = e.create(ctx, create, actor, epoch, o)
	} else {
		ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(uint64(id))})
		rec, err = e.mutate(ctx, id, act, actor, epoch, o)
	}
	if err != nil {
		return market.JobRecord{}, err
	}

	if e.cfg.RefreshAfterMutation {
		if err := e.Refresh(ctx); err != nil {
			e.log.WarnContext(ctx, "refresh after mutation failed", "error", err)
		}
	}
	return rec, nil
}

func (e *Engine) create(ctx context.Context, act market.CreateJob, actor market.Actor, epoch uint64, o actionOptions) (market.JobRecord, error) {
	if err := e.rules.Validate(nil, actor, act); err != nil {
		return market.JobRecord{}, err
	}
	if act.Nonce == "" {
		act.Nonce = o.nonce
	}
	if act.Nonce == "" {
		act.Nonce = uuid.NewString()
	}
	if !e.session.stillCurrent(epoch) {
		return market.JobRecord{}, fmt.Errorf("identity changed during create: %w", market.ErrIdentityUnavailable)
	}

	rec, err := e.submit(ctx, market.Submission{Actor: actor, Action: act})
	if err != nil {
		var stale *market.StaleStateError
		switch {
		case errors.As(err, &stale):
			if stale.Current != nil {
				e.store.Put(*stale.Current)
			}
		case market.IsRetryable(err) || ctx.Err() != nil:
			err = &UnconfirmedCreateError{Nonce: act.Nonce, Err: err}
		}
		return market.JobRecord{}, err
	}

	e.store.Put(rec)
	e.log.InfoContext(ctx, "job created", "job_id", rec.ID, "amount", rec.Amount.String())
	return rec, nil
}

func (e *Engine) mutate(ctx context.Context, id market.JobID, act market.Action, actor market.Actor, epoch uint64, o actionOptions) (market.JobRecord, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return market.JobRecord{}, err
	}
	defer unlock()

	rec, cached := e.store.Get(id)
	if !cached || o.fresh {
		var found bool
		rec, found, err = e.fetch(ctx, id, false)
		if err != nil {
			return market.JobRecord{}, err
		}
		if !found {
			return market.JobRecord{}, fmt.Errorf("job %d: %w", id, market.ErrNotFound)
		}
	}

	if err := e.rules.Validate(&rec, actor, act); err != nil {
		return market.JobRecord{}, err
	}
	if !e.session.stillCurrent(epoch) {
		return market.JobRecord{}, fmt.Errorf("identity changed during %s: %w", act.Kind(), market.ErrIdentityUnavailable)
	}

	// The ticket marks reads issued before the submit as late.
	ticket := e.issue(id)
	next, err := e.submit(ctx, market.Submission{Actor: actor, JobID: id, Action: act, Version: rec.Version})
	e.settle(id, ticket)
	if err != nil {
		return market.JobRecord{}, e.ledgerRejected(ctx, rec, err)
	}

	e.store.Put(next)
	e.log.InfoContext(ctx, "job transition applied",
		"action", act.Kind(), "status", next.Status, "version", next.Version)
	return next, nil
}

// ledgerRejected turns a ledger-side refusal into a StaleStateError carrying
// the freshly read record. Other failures pass through unchanged.
func (e *Engine) ledgerRejected(ctx context.Context, known market.JobRecord, err error) error {
	var stale *market.StaleStateError
	isStale := errors.As(err, &stale)
	if !isStale && !market.IsRejection(err) {
		return err
	}

	out := &market.StaleStateError{JobID: known.ID, Known: known.Version, Cause: err}
	if isStale {
		out.AlreadyApplied = stale.AlreadyApplied
		out.Current = stale.Current
		out.Cause = stale.Cause
	}

	cur, found, rerr := e.fetch(ctx, known.ID, false)
	switch {
	case rerr != nil:
		e.log.WarnContext(ctx, "re-read after rejection failed", "error", rerr)
	case found:
		out.Current = &cur
	}
	e.log.DebugContext(ctx, "ledger refused submission", "known_version", known.Version, "error", err)
	return out
}

// =============================================================================
// REFRESH
// =============================================================================

// Refresh re-reads the ledger into the cache. Concurrent calls share one
// run; cancelling ctx stops this caller's wait, not the run.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := e.reads.DoChan("refresh", func() (any, error) {
		return nil, e.refresh(context.WithoutCancel(ctx))
	})

	var err error
	select {
	case res := <-ch:
		err = res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		metrics.ClientRefreshTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ClientRefreshTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) refresh(ctx context.Context) error {
	var count, openCount uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.readCount(gctx, e.gateway.ReadJobCount)
		count = n
		return err
	})
	g.Go(func() error {
		n, err := e.readCount(gctx, e.gateway.ReadOpenJobCount)
		openCount = n
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.refreshRecords(ctx, count); err != nil {
		return err
	}
	if err := e.reconcileOpen(ctx, openCount); err != nil {
		return err
	}
	e.store.markRefreshed()
	e.log.DebugContext(ctx, "refresh complete", "jobs", count, "open", openCount)
	return nil
}

func (e *Engine) refreshRecords(ctx context.Context, count uint64) error {
	batch, ok := e.gateway.(market.BatchReader)
	if !ok {
		for id := uint64(1); id <= count; id++ {
			if _, _, err := e.fetch(ctx, market.JobID(id), true); err != nil {
				return err
			}
		}
		return nil
	}

	size := uint64(e.cfg.BatchSize)
	for from := uint64(1); from <= count; from += size {
		to := min(from+size-1, count)
		tickets := e.issueRange(market.JobID(from), market.JobID(to))

		cctx, cancel := e.callCtx(ctx)
		recs, err := batch.ReadJobs(cctx, market.JobID(from), market.JobID(to))
		err = e.gatewayErr(ctx, cctx, err)
		cancel()
		if err == nil {
			err = checkAll(recs)
		}
		if err != nil {
			e.settleAll(tickets)
			return err
		}

		fresh := make([]market.JobRecord, 0, len(recs))
		for _, rec := range recs {
			ticket, ok := tickets[rec.ID]
			if !ok {
				continue
			}
			delete(tickets, rec.ID)
			if e.keep(rec.ID, ticket, rec) {
				fresh = append(fresh, rec)
			}
		}
		e.settleAll(tickets)
		e.store.PutAll(fresh)
	}
	return nil
}

func checkAll(recs []market.JobRecord) error {
	for _, rec := range recs {
		if err := rec.CheckInvariants(); err != nil {
			return err
		}
	}
	return nil
}

// reconcileOpen walks the ledger's open index and re-reads every job whose
// cached status disagrees with it, in either direction.
func (e *Engine) reconcileOpen(ctx context.Context, openCount uint64) error {
	ledgerOpen := make(map[market.JobID]bool, openCount)
	for i := uint64(0); i < openCount; i++ {
		cctx, cancel := e.callCtx(ctx)
		id, err := e.gateway.ReadOpenJobID(cctx, i)
		err = e.gatewayErr(ctx, cctx, err)
		cancel()
		if errors.Is(err, market.ErrNotFound) {
			break // index shrank since the count was read
		}
		if err != nil {
			return err
		}
		ledgerOpen[id] = true

		if cached, ok := e.store.Get(id); !ok || cached.Status != market.StatusOpen {
			if _, _, err := e.fetch(ctx, id, true); err != nil {
				return err
			}
		}
	}

	for _, rec := range e.store.OpenJobs() {
		if !ledgerOpen[rec.ID] {
			if _, _, err := e.fetch(ctx, rec.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// GATEWAY CALLS
// =============================================================================

type readResult struct {
	rec   market.JobRecord
	found bool
}

// fetch reads one job and caches the result unless it is late. shared
// lets the read join one already in flight for the same id, which may have
// started before the caller asked; only refresh reads may do that.
func (e *Engine) fetch(ctx context.Context, id market.JobID, shared bool) (market.JobRecord, bool, error) {
	ticket := e.issue(id)
	read := func() (any, error) {
		cctx, cancel := e.callCtx(ctx)
		defer cancel()
		rec, found, err := e.gateway.ReadJob(cctx, id)
		if err := e.gatewayErr(ctx, cctx, err); err != nil {
			return nil, err
		}
		return readResult{rec: rec, found: found}, nil
	}

	var (
		v   any
		err error
	)
	if shared {
		v, err, _ = e.reads.Do("job/"+strconv.FormatUint(uint64(id), 10), read)
	} else {
		v, err = read()
	}
	if err != nil {
		e.settle(id, ticket)
		return market.JobRecord{}, false, err
	}

	res := v.(readResult)
	if !res.found {
		e.settle(id, ticket)
		return res.rec, false, nil
	}
	if err := res.rec.CheckInvariants(); err != nil {
		e.settle(id, ticket)
		return market.JobRecord{}, false, err
	}
	if e.keep(id, ticket, res.rec) {
		e.store.Put(res.rec)
	}
	return res.rec, true, nil
}

func (e *Engine) submit(ctx context.Context, sub market.Submission) (market.JobRecord, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	rec, err := e.gateway.Submit(cctx, sub)
	return rec, e.gatewayErr(ctx, cctx, err)
}

func (e *Engine) readCount(ctx context.Context, read func(context.Context) (uint64, error)) (uint64, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	n, err := read(cctx)
	return n, e.gatewayErr(ctx, cctx, err)
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// gatewayErr maps a per-call timeout to ErrLedgerUnavailable. Cancellation
// by the caller is reported as the caller's context error.
func (e *Engine) gatewayErr(ctx, cctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, market.ErrLedgerUnavailable) {
		return fmt.Errorf("ledger call timed out: %w", market.ErrLedgerUnavailable)
	}
	return err
}

// =============================================================================
// TICKETS AND LOCKS
// =============================================================================

// ticketState tracks the newest ticket for a job and how many requests for
// it are outstanding. The entry goes away when none are.
type ticketState struct {
	latest  uint64
	pending int
}

func (e *Engine) issue(id market.JobID) uint64 {
	e.ticketsMu.Lock()
	defer e.ticketsMu.Unlock()
	return e.issueLocked(id)
}

func (e *Engine) issueRange(from, to market.JobID) map[market.JobID]uint64 {
	e.ticketsMu.Lock()
	defer e.ticketsMu.Unlock()
	out := make(map[market.JobID]uint64, to-from+1)
	for id := from; id <= to; id++ {
		out[id] = e.issueLocked(id)
	}
	return out
}

func (e *Engine) issueLocked(id market.JobID) uint64 {
	st, ok := e.tickets[id]
	if !ok {
		st = &ticketState{}
		e.tickets[id] = st
	}
	e.ticketSeq++
	st.latest = e.ticketSeq
	st.pending++
	return e.ticketSeq
}

// settle retires ticket and reports whether it was still the newest for id.
func (e *Engine) settle(id market.JobID, ticket uint64) bool {
	e.ticketsMu.Lock()
	defer e.ticketsMu.Unlock()
	st, ok := e.tickets[id]
	if !ok {
		return false
	}
	latest := st.latest == ticket
	st.pending--
	if st.pending <= 0 {
		delete(e.tickets, id)
	}
	return latest
}

func (e *Engine) settleAll(tickets map[market.JobID]uint64) {
	for id, ticket := range tickets {
		e.settle(id, ticket)
	}
}

// keep settles ticket and reports whether the read rec should be cached:
// its ticket is the newest, or it is newer than what the cache holds.
func (e *Engine) keep(id market.JobID, ticket uint64, rec market.JobRecord) bool {
	if e.settle(id, ticket) {
		return true
	}
	if cached, ok := e.store.Get(id); ok && cached.Version >= rec.Version {
		metrics.ClientDroppedResponses.Inc()
		e.log.Debug("dropped late response", "job_id", id, "version", rec.Version)
		return false
	}
	return true
}

type jobLock struct {
	ch   chan struct{}
	refs int // holder plus waiters
}

// lock serializes mutations on one job. It returns the unlock function.
func (e *Engine) lock(ctx context.Context, id market.JobID) (func(), error) {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &jobLock{ch: make(chan struct{}, 1)}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			e.release(id, l)
		}, nil
	case <-ctx.Done():
		e.release(id, l)
		return nil, ctx.Err()
	}
}

func (e *Engine) release(id market.JobID, l *jobLock) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
}
