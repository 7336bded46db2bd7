package client

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/market"
)

func TestSession_ConnectSelectsFirstAccount(t *testing.T) {
	wallet := NewStaticWallet(" 0xAbC ", "0xdef")
	s := NewSession(wallet)
	defer s.Close()

	_, err := s.Current()
	assert.ErrorIs(t, err, market.ErrIdentityUnavailable)

	actor, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, market.NormalizeActor("0xabc"), actor)
	assert.Equal(t, uint64(1), s.Epoch())
}

func TestSession_ConnectDeclined(t *testing.T) {
	s := NewSession(NewStaticWallet())
	defer s.Close()

	_, err := s.Connect(context.Background())
	assert.ErrorIs(t, err, market.ErrIdentityUnavailable)
}

func TestSession_SwitchAccount(t *testing.T) {
	// GIVEN: A session connected as the first of two accounts
	// WHEN: Switching to the second, then to an unknown one
	// THEN: The first switch bumps the epoch; the second is refused

	wallet := NewStaticWallet("0xposter", "0xworker")
	s := NewSession(wallet)
	defer s.Close()
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	epoch := s.Epoch()

	require.NoError(t, s.SwitchAccount("0xworker"))
	actor, _ := s.Current()
	assert.Equal(t, market.Actor("0xworker"), actor)
	assert.False(t, s.stillCurrent(epoch))

	err = s.SwitchAccount("0xstranger")
	assert.ErrorIs(t, err, market.ErrIdentityUnavailable)
	actor, _ = s.Current()
	assert.Equal(t, market.Actor("0xworker"), actor)

	// Switching to the same account is not a change.
	epoch = s.Epoch()
	require.NoError(t, s.SwitchAccount("0xworker"))
	assert.True(t, s.stillCurrent(epoch))
}

func TestSession_FollowsWallet(t *testing.T) {
	wallet := NewStaticWallet("0xposter", "0xworker")
	s := NewSession(wallet)
	defer s.Close()
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.SwitchAccount("0xworker"))

	// Still exposed: keep it.
	wallet.SetAccounts("0xarbiter", "0xworker")
	actor, _ := s.Current()
	assert.Equal(t, market.Actor("0xworker"), actor)

	// Gone: fall back to the first exposed account.
	wallet.SetAccounts("0xarbiter")
	actor, _ = s.Current()
	assert.Equal(t, market.Actor("0xarbiter"), actor)

	// Nothing exposed: no identity.
	wallet.SetAccounts()
	_, err = s.Current()
	assert.ErrorIs(t, err, market.ErrIdentityUnavailable)
}

func TestSession_CloseDetachesFromWallet(t *testing.T) {
	wallet := NewStaticWallet("0xposter")
	s := NewSession(wallet)
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	s.Close()

	wallet.SetAccounts()
	actor, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, market.Actor("0xposter"), actor)
}

func TestSession_WalletChangeDoesNotOverrideSwitch(t *testing.T) {
	// GIVEN: A session on an account the wallet is about to drop
	// WHEN: The user switches to a still-exposed account while the wallet
	//       reports its new list
	// THEN: The switch wins whichever runs first

	for i := 0; i < 200; i++ {
		wallet := NewStaticWallet("0xfirst", "0xchosen")
		s := NewSession(wallet)
		s.set("0xgone")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SwitchAccount("0xchosen"))
		}()
		go func() {
			defer wg.Done()
			s.accountsChanged([]market.Actor{"0xfirst", "0xchosen"})
		}()
		wg.Wait()

		actor, err := s.Current()
		require.NoError(t, err)
		require.Equal(t, market.Actor("0xchosen"), actor, "iteration %d", i)
		s.Close()
	}
}
