package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)

	assert.True(t, cfg.Tiering.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Tiering.HotAge)
	assert.Equal(t, 21*24*time.Hour, cfg.Tiering.WarmAge)
	assert.Equal(t, 90*24*time.Hour, cfg.Tiering.ColdAge)
	assert.Equal(t, 7*24*time.Hour, cfg.Tiering.FallbackRetention)
	assert.Equal(t, 1000, cfg.Tiering.BatchSize)

	assert.Equal(t, 10*time.Second, cfg.Schedule.Ingest)
	assert.Equal(t, time.Hour, cfg.Schedule.Migrate)
	assert.Equal(t, time.Hour, cfg.Schedule.Indexes)
	assert.Equal(t, 30*time.Second, cfg.Ingest.Overlap)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.InitialLookback)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.True(t, cfg.Store.Postgres.Migrate)
	assert.Equal(t, "telhawk-events", cfg.Store.OpenSearch.IndexPrefix)
	assert.Equal(t, "redis", cfg.Cursor.Backend)
	assert.Equal(t, "tiering:ingest:cursor", cfg.Cursor.Key)
	assert.Equal(t, "wazuh-alerts-*", cfg.Source.IndexPattern)

	assert.Equal(t, 12, cfg.Query.HighSeverityMinLevel)
	assert.Equal(t, 15, cfg.Query.MaxLevel)
	assert.Equal(t, 100, cfg.Query.DefaultLimit)
	assert.Equal(t, 10000, cfg.Query.MaxDepth)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiering.yaml")
	body := []byte(`
tiering:
  hot_age: 24h
  warm_age: 72h
  cold_age: 240h
  batch_size: 50
store:
  backend: memory
cursor:
  backend: memory
normalizer:
  fields:
    agent_name: [host.name, agent.name]
  severity_words:
    high: "12"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Tiering.HotAge)
	assert.Equal(t, 50, cfg.Tiering.BatchSize)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, []string{"host.name", "agent.name"}, cfg.Normalizer.Fields["agent_name"])
	assert.Equal(t, "12", cfg.Normalizer.SeverityWords["high"])
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TIERING_TIERING_BATCH_SIZE", "250")
	t.Setenv("TIERING_STORE_BACKEND", "opensearch")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Tiering.BatchSize)
	assert.Equal(t, "opensearch", cfg.Store.Backend)
}

func TestLoad_InvalidThresholds(t *testing.T) {
	t.Setenv("TIERING_TIERING_WARM_AGE", "1h")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Tiering: TieringConfig{
				Enabled: true, HotAge: time.Hour, WarmAge: 2 * time.Hour, ColdAge: 3 * time.Hour,
				FallbackRetention: time.Hour, BatchSize: 10,
			},
			Store:  StoreConfig{Backend: "memory"},
			Cursor: CursorConfig{Backend: "memory"},
			Query:  QueryConfig{HighSeverityMinLevel: 12, MaxLevel: 15},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unordered thresholds", func(c *Config) { c.Tiering.ColdAge = time.Hour }, true},
		{"fallback ignores thresholds", func(c *Config) { c.Tiering.Enabled = false; c.Tiering.ColdAge = 0 }, false},
		{"fallback needs retention", func(c *Config) { c.Tiering.Enabled = false; c.Tiering.FallbackRetention = 0 }, true},
		{"zero batch", func(c *Config) { c.Tiering.BatchSize = 0 }, true},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, true},
		{"redis cursor without redis", func(c *Config) { c.Cursor.Backend = "redis" }, true},
		{"level range inverted", func(c *Config) { c.Query.HighSeverityMinLevel = 20 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	p := cfg.Policy()
	assert.Equal(t, models.DefaultPolicy(), p)
}
