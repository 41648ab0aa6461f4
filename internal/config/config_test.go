//go:build !integration

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/domain/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("should apply defaults for a minimal memory setup", func(t *testing.T) {
		path := writeConfig(t, "queue:\n  backend: memory\n")
		cfg, err := LoadConfig(path, true)
		require.NoError(t, err)

		assert.True(t, cfg.Runtime.Dev)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, 3, cfg.Queue.MaxAttempts)
		assert.Equal(t, 500, cfg.Ingest.ChunkSize)
		assert.Equal(t, 100, cfg.Ingest.ChunkOverlap)
		assert.Equal(t, 10, cfg.Ingest.BatchSize)
		assert.Len(t, cfg.Services, 4)
		assert.Equal(t, 1024, cfg.HTTP.StatusCacheSize)
		assert.Equal(t, 10*time.Minute, cfg.Redis.CacheTTL)
		assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
		assert.Equal(t, 55*time.Minute, cfg.Queue.ClaimIdle)
	})

	t.Run("should reclaim only after the longest stage timeout", func(t *testing.T) {
		t.Setenv("REDIS_URL", "localhost:6379")
		path := writeConfig(t, `
stages:
  default_timeout: 10m
  timeouts:
    ingest: 40m
`)
		cfg, err := LoadConfig(path, false)
		require.NoError(t, err)
		assert.Equal(t, 40*time.Minute, cfg.Stages.MaxTimeout())
		assert.Equal(t, 45*time.Minute, cfg.Queue.ClaimIdle)
	})

	t.Run("should reject a claim idle that a running stage can outlast", func(t *testing.T) {
		t.Setenv("REDIS_URL", "localhost:6379")
		path := writeConfig(t, `
queue:
  claim_idle: 5m
stages:
  default_timeout: 10m
`)
		_, err := LoadConfig(path, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "claim_idle")
	})

	t.Run("should reject a reaper that fires before a stage times out", func(t *testing.T) {
		path := writeConfig(t, `
queue:
  backend: memory
stages:
  timeouts:
    ingest: 3h
`)
		_, err := LoadConfig(path, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale_after")
	})

	t.Run("should read per stage timeouts", func(t *testing.T) {
		path := writeConfig(t, `
queue:
  backend: memory
stages:
  default_timeout: 10m
  timeouts:
    ingest: 30m
`)
		cfg, err := LoadConfig(path, false)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, cfg.Stages.Timeout(model.StageIngest))
		assert.Equal(t, 10*time.Minute, cfg.Stages.Timeout(model.StagePrimer))
	})

	t.Run("should require redis for the redis queue", func(t *testing.T) {
		t.Setenv("REDIS_URL", "")
		path := writeConfig(t, "queue:\n  backend: redis\n")
		_, err := LoadConfig(path, false)
		assert.Error(t, err)
	})

	t.Run("should take secrets from the environment", func(t *testing.T) {
		t.Setenv("REDIS_URL", "localhost:6379")
		t.Setenv("AUTH_JWT_SECRET", "s3cret")
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", cfg.Redis.URL)
		assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	})

	t.Run("should reject an invalid service table", func(t *testing.T) {
		path := writeConfig(t, `
queue:
  backend: memory
services:
  - id: broken
    stage: completion
`)
		_, err := LoadConfig(path, false)
		assert.Error(t, err)
	})
}
