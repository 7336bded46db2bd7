package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/config"
	"github.com/warp/escrow-ledger/logger"
)

func TestContextHandler_AddsFields(t *testing.T) {
	// GIVEN: A production (JSON) logger and a context with job fields
	// WHEN: Logging with that context
	// THEN: The record carries job_id, actor and component

	var buf bytes.Buffer
	log := logger.New(&buf, config.Config{Env: "production"})

	ctx := logger.WithLogFields(context.Background(), logger.LogFields{Component: "client.engine"})
	ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(uint64(7)), Actor: "0xabc"})
	log.InfoContext(ctx, "job transition applied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job transition applied", line["msg"])
	assert.Equal(t, float64(7), line["job_id"])
	assert.Equal(t, "0xabc", line["actor"])
	assert.Equal(t, "client.engine", line["component"])
}

func TestNew_LevelFromConfig(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, config.Config{Env: "production", LogLevel: "warn"})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
