package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.home.luguber.info/inful/conveyor/internal/config"
)

func TestSetupLoggingVerboseEnablesDebug(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	CLI.Verbose = true
	defer func() { CLI.Verbose = false }()

	cfg := &config.Config{Logging: config.LoggingConfig{Level: string(config.LogLevelInfo)}}
	setupLogging(cfg)

	assert.Equal(t, string(config.LogLevelDebug), cfg.Logging.Level)
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupLoggingWithoutConfigDefaultsToInfo(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	CLI.Verbose = false

	setupLogging(nil)

	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
}
