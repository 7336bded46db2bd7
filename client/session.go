/*
session.go - Acting identity for the synchronizing client

PURPOSE:
  Holds which wallet account the client is acting as. Every mutation reads
  the identity together with an epoch; the epoch changes on every switch,
  so an action validated as one identity can never be submitted as
  another.

RULES:
  - Connect selects the first account the wallet exposes.
  - SwitchAccount only accepts an account the wallet currently exposes.
  - Wallet notifications keep the current account if still exposed,
    otherwise select the first exposed one, or clear the identity.
  - Switching never touches cached job records: records are identity-
    independent, capabilities are recomputed per call.
*/
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/warp/escrow-ledger/market"
)

type Session struct {
	wallet Wallet

	mu    sync.RWMutex
	actor market.Actor
	epoch uint64

	unsubscribe func()
}

// NewSession subscribes to wallet account changes. Call Close to detach.
func NewSession(wallet Wallet) *Session {
	s := &Session{wallet: wallet}
	s.unsubscribe = wallet.Subscribe(s.accountsChanged)
	return s
}

func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Connect asks the wallet for accounts and selects the first.
func (s *Session) Connect(ctx context.Context) (market.Actor, error) {
	accounts, err := s.wallet.RequestAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", market.ErrIdentityUnavailable
	}
	s.set(market.NormalizeActor(string(accounts[0])))
	return s.Current()
}

// Current returns the selected identity or ErrIdentityUnavailable.
func (s *Session) Current() (market.Actor, error) {
	actor, _, err := s.snapshot()
	return actor, err
}

func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Session) SwitchAccount(actor market.Actor) error {
	actor = market.NormalizeActor(string(actor))
	if !slices.Contains(normalize(s.wallet.CurrentAccounts()), actor) {
		return fmt.Errorf("account %s not exposed by wallet: %w", actor, market.ErrIdentityUnavailable)
	}
	s.set(actor)
	return nil
}

// snapshot returns the identity and the epoch it belongs to.
func (s *Session) snapshot() (market.Actor, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actor.IsZero() {
		return "", s.epoch, market.ErrIdentityUnavailable
	}
	return s.actor, s.epoch, nil
}

// stillCurrent reports whether no switch happened since epoch was read.
func (s *Session) stillCurrent(epoch uint64) bool {
	return s.Epoch() == epoch
}

func (s *Session) set(actor market.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(actor)
}

func (s *Session) setLocked(actor market.Actor) {
	if s.actor != actor {
		s.actor = actor
		s.epoch++
	}
}

// accountsChanged decides and applies under one lock so a concurrent
// SwitchAccount is either seen or applied after it.
func (s *Session) accountsChanged(accounts []market.Actor) {
	accounts = normalize(accounts)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.actor.IsZero() && slices.Contains(accounts, s.actor):
		return
	case len(accounts) > 0:
		s.setLocked(accounts[0])
	default:
		s.setLocked("")
	}
}

func normalize(accounts []market.Actor) []market.Actor {
	out := make([]market.Actor, 0, len(accounts))
	for _, a := range accounts {
		if n := market.NormalizeActor(string(a)); !n.IsZero() {
			out = append(out, n)
		}
	}
	return out
}
