package api

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/warp/escrow-ledger/market"
)

// ActorLimiter bounds submissions per acting account with a token bucket
// each. Reads are not limited.
type ActorLimiter struct {
	mu       sync.Mutex
	limiters map[market.Actor]*rate.Limiter
	qps      rate.Limit
	burst    int
}

// NewActorLimiter returns nil when qps is zero, which disables limiting.
func NewActorLimiter(qps float64, burst int) *ActorLimiter {
	if qps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ActorLimiter{
		limiters: make(map[market.Actor]*rate.Limiter),
		qps:      rate.Limit(qps),
		burst:    burst,
	}
}

func (l *ActorLimiter) Allow(actor market.Actor) bool {
	return l.limiter(actor).Allow()
}

func (l *ActorLimiter) limiter(actor market.Actor) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[actor]
	if !ok {
		lim = rate.NewLimiter(l.qps, l.burst)
		l.limiters[actor] = lim
	}
	return lim
}
