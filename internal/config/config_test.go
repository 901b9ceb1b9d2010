package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	cfg, err := Load()
	require.Error(t, err, "empty backend is not a known store")

	t.Setenv("STORE_BACKEND", "Memory")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.Fanout)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("FANOUT", "5")
	t.Setenv("SWEEP_INTERVAL", "10s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENABLE_TRACING", "true")
	t.Setenv("MAX_JOBS_PER_AGENT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Fanout)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.EnableTracing)
	assert.Equal(t, 3, cfg.MaxJobsPerAgent)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Fanout: 3, MaxJobsPerAgent: 3,
			HeartbeatTimeout: time.Second, SweepInterval: time.Second,
			StoreBackend: StoreMemory,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"zero fanout", func(c *Config) { c.Fanout = 0 }, true},
		{"zero capacity", func(c *Config) { c.MaxJobsPerAgent = 0 }, true},
		{"redis without url", func(c *Config) { c.StoreBackend = StoreRedis }, true},
		{"redis with url", func(c *Config) { c.StoreBackend = StoreRedis; c.RedisURL = "redis://x" }, false},
		{"postgres without dsn", func(c *Config) { c.StoreBackend = StorePostgres }, true},
		{"unknown backend", func(c *Config) { c.StoreBackend = "sqlite" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("AGENT_SERVER", "http://coordinator:8080/")
	t.Setenv("AGENT_MODE", "POLL")
	t.Setenv("AGENT_CAPACITY", "2")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "http://coordinator:8080", cfg.Server)
	assert.Equal(t, AgentModePoll, cfg.Mode)
	assert.Equal(t, 2, cfg.Capacity)

	t.Setenv("AGENT_MODE", "carrier-pigeon")
	_, err = LoadAgent()
	assert.Error(t, err)

	t.Setenv("AGENT_MODE", "ws")
	t.Setenv("AGENT_SERVER", "coordinator:8080")
	_, err = LoadAgent()
	assert.Error(t, err)
}
