package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/costing-engine/costing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "./data/costing.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, LockMemory, cfg.LockBackend)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, costing.OversellClamp, cfg.Oversell)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.Tolerance.IsZero())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WAC_DB_PATH", ":memory:")
	t.Setenv("WAC_LOG_FORMAT", "console")
	t.Setenv("WAC_LOCK_BACKEND", "redis")
	t.Setenv("WAC_REDIS_ADDR", "redis:6380")
	t.Setenv("WAC_OVERSELL_POLICY", "reject")
	t.Setenv("WAC_SWEEP_INTERVAL", "15m")
	t.Setenv("WAC_RECONCILE_TOLERANCE", "0.0001")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, LockRedis, cfg.LockBackend)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, costing.OversellReject, cfg.Oversell)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.Tolerance.Equal(costing.MustMoney("0.0001")))
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad int", "WAC_MAX_RETRIES", "lots", "parse env:"},
		{"negative retries", "WAC_MAX_RETRIES", "-1", "MAX_RETRIES"},
		{"unknown policy", "WAC_OVERSELL_POLICY", "allow", "parse env:"},
		{"unknown backend", "WAC_LOCK_BACKEND", "etcd", "LOCK_BACKEND"},
		{"unknown format", "WAC_LOG_FORMAT", "xml", "LOG_FORMAT"},
		{"zero interval", "WAC_SWEEP_INTERVAL", "0s", "SWEEP_INTERVAL"},
		{"negative tolerance", "WAC_RECONCILE_TOLERANCE", "-0.01", "RECONCILE_TOLERANCE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
