package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/wallet")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileAfter)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100.0, cfg.RateLimit)
	assert.Equal(t, 200, cfg.RateBurst)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DB_SOURCE", "")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOCK_TIMEOUT", "250ms")
	t.Setenv("RECONCILE_INTERVAL", "0")
	t.Setenv("RATE_LIMIT", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Zero(t, cfg.ReconcileInterval)
	assert.Zero(t, cfg.RateLimit)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing db source", map[string]string{"STORE_DRIVER": "postgres", "DB_SOURCE": ""}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"bad duration", map[string]string{"DB_SOURCE": "x", "LOCK_TIMEOUT": "soon"}},
		{"zero lock timeout", map[string]string{"DB_SOURCE": "x", "LOCK_TIMEOUT": "0"}},
		{"bad rate", map[string]string{"DB_SOURCE": "x", "RATE_LIMIT": "fast"}},
		{"negative burst", map[string]string{"DB_SOURCE": "x", "RATE_BURST": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
