// Package config loads process configuration for the ledger node and the
// jobctl client from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/escrow-ledger/market"
)

type Config struct {
	Env      string
	LogLevel string
	Node     NodeConfig
	Client   ClientConfig
}

// NodeConfig configures the ledger node (cmd/server).
type NodeConfig struct {
	Port     string
	DBPath   string
	Arbiters []market.Actor

	// RateQPS and RateBurst bound submissions per actor. Zero QPS disables
	// the limiter.
	RateQPS   float64
	RateBurst int
}

// ClientConfig configures the synchronizing client (cmd/jobctl).
type ClientConfig struct {
	LedgerURL       string
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
}

// Load reads configuration from the environment. In development a .env file
// in the working directory is loaded first; variables already set win.
func Load() (Config, error) {
	if getEnv("LEDGER_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env:      getEnv("LEDGER_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", ""),
		Node: NodeConfig{
			Port:      getEnv("LEDGER_PORT", "8080"),
			DBPath:    getEnv("LEDGER_DB", "escrow.db"),
			Arbiters:  parseActors(getEnv("LEDGER_ARBITERS", "")),
			RateQPS:   getEnvFloat("LEDGER_RATE_QPS", 20),
			RateBurst: getEnvInt("LEDGER_RATE_BURST", 40),
		},
		Client: ClientConfig{
			LedgerURL:       getEnv("LEDGER_URL", "http://localhost:8080"),
			RequestTimeout:  getEnvDuration("LEDGER_REQUEST_TIMEOUT", 10*time.Second),
			RefreshInterval: getEnvDuration("LEDGER_REFRESH_INTERVAL", 5*time.Second),
		},
	}

	if cfg.Node.RateQPS < 0 {
		return Config{}, fmt.Errorf("LEDGER_RATE_QPS must not be negative")
	}
	if cfg.Client.RequestTimeout <= 0 {
		return Config{}, fmt.Errorf("LEDGER_REQUEST_TIMEOUT must be positive")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func parseActors(s string) []market.Actor {
	var out []market.Actor
	for _, part := range strings.Split(s, ",") {
		if a := market.NormalizeActor(part); !a.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
