package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/config"
	"github.com/warp/escrow-ledger/market"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_ENV", "test")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Node.Port)
	assert.Equal(t, 10*time.Second, cfg.Client.RequestTimeout)
	assert.Empty(t, cfg.Node.Arbiters)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_ENV", "production")
	t.Setenv("LEDGER_PORT", "9090")
	t.Setenv("LEDGER_DB", ":memory:")
	t.Setenv("LEDGER_ARBITERS", " 0xABC, ,carol ")
	t.Setenv("LEDGER_RATE_QPS", "2.5")
	t.Setenv("LEDGER_REQUEST_TIMEOUT", "250ms")
	t.Setenv("LEDGER_REFRESH_INTERVAL", "not-a-duration")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "9090", cfg.Node.Port)
	assert.Equal(t, ":memory:", cfg.Node.DBPath)
	assert.Equal(t, []market.Actor{"0xabc", "carol"}, cfg.Node.Arbiters)
	assert.Equal(t, 2.5, cfg.Node.RateQPS)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Client.RefreshInterval)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("LEDGER_ENV", "test")
	t.Setenv("LEDGER_RATE_QPS", "-1")

	_, err := config.Load()
	assert.Error(t, err)
}
