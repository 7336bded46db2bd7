package client

import (
	"context"
	"sync"

	"github.com/warp/escrow-ledger/market"
)

// Wallet is the account provider boundary. Signing happens inside the
// wallet; the client only learns which accounts it may act as.
type Wallet interface {
	// RequestAccounts asks the user to expose accounts. It may block on a
	// prompt and returns an empty list if the user declines.
	RequestAccounts(ctx context.Context) ([]market.Actor, error)

	CurrentAccounts() []market.Actor

	// Subscribe registers fn for account-list changes and returns a
	// function that removes it.
	Subscribe(fn func([]market.Actor)) (unsubscribe func())
}

// StaticWallet is an in-process wallet holding a fixed account list until
// SetAccounts replaces it.
type StaticWallet struct {
	mu       sync.Mutex
	accounts []market.Actor
	subs     map[int]func([]market.Actor)
	nextSub  int
}

func NewStaticWallet(accounts ...market.Actor) *StaticWallet {
	return &StaticWallet{
		accounts: append([]market.Actor(nil), accounts...),
		subs:     make(map[int]func([]market.Actor)),
	}
}

var _ Wallet = (*StaticWallet)(nil)

func (w *StaticWallet) RequestAccounts(ctx context.Context) ([]market.Actor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.CurrentAccounts(), nil
}

func (w *StaticWallet) CurrentAccounts() []market.Actor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]market.Actor(nil), w.accounts...)
}

func (w *StaticWallet) Subscribe(fn func([]market.Actor)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

// SetAccounts replaces the account list and notifies subscribers
// synchronously, outside the wallet lock.
func (w *StaticWallet) SetAccounts(accounts ...market.Actor) {
	w.mu.Lock()
	w.accounts = append([]market.Actor(nil), accounts...)
	subs := make([]func([]market.Actor), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(append([]market.Actor(nil), accounts...))
	}
}
