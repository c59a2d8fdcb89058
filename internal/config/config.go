// Package config provides configuration loading for the tiering service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/telhawk-tiering/internal/models"
)

// Config holds all configuration for the tiering service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tiering    TieringConfig    `mapstructure:"tiering"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Store      StoreConfig      `mapstructure:"store"`
	Cursor     CursorConfig     `mapstructure:"cursor"`
	Source     SourceConfig     `mapstructure:"source"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Leader     LeaderConfig     `mapstructure:"leader"`
	Query      QueryConfig      `mapstructure:"query"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TieringConfig holds tier age thresholds and the migration batch size
type TieringConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HotAge            time.Duration `mapstructure:"hot_age"`
	WarmAge           time.Duration `mapstructure:"warm_age"`
	ColdAge           time.Duration `mapstructure:"cold_age"`
	FallbackRetention time.Duration `mapstructure:"fallback_retention"`
	BatchSize         int           `mapstructure:"batch_size"`
}

// ScheduleConfig holds the fixed interval of every maintenance job
type ScheduleConfig struct {
	Ingest   time.Duration `mapstructure:"ingest"`
	Migrate  time.Duration `mapstructure:"migrate"`
	Dedup    time.Duration `mapstructure:"dedup"`
	Severity time.Duration `mapstructure:"severity"`
	Reap     time.Duration `mapstructure:"reap"`
	Indexes  time.Duration `mapstructure:"indexes"`
}

// IngestConfig holds polling window settings
type IngestConfig struct {
	Overlap         time.Duration `mapstructure:"overlap"`
	InitialLookback time.Duration `mapstructure:"initial_lookback"`
	FetchLimit      int           `mapstructure:"fetch_limit"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// NormalizerConfig holds field-resolution fallback paths and severity words.
// Fields keys are canonical field names (timestamp, agent_name, rule_level, ...).
type NormalizerConfig struct {
	Fields        map[string][]string `mapstructure:"fields"`
	FieldMapFile  string              `mapstructure:"field_map_file"`
	SeverityWords map[string]string   `mapstructure:"severity_words"`
}

// StoreConfig selects and configures the tier store backend
type StoreConfig struct {
	Backend    string           `mapstructure:"backend"` // "postgres", "opensearch" or "memory"
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ConnString builds a postgres:// URL from the settings.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL          string `mapstructure:"url"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Insecure     bool   `mapstructure:"insecure"`
	IndexPrefix  string `mapstructure:"index_prefix"`
	ShardCount   int    `mapstructure:"shard_count"`
	ReplicaCount int    `mapstructure:"replica_count"`
}

// CursorConfig selects where the ingestion cursor is persisted
type CursorConfig struct {
	Backend    string `mapstructure:"backend"` // "redis", "badger" or "memory"
	Key        string `mapstructure:"key"`
	BadgerPath string `mapstructure:"badger_path"`
}

// SourceConfig configures the upstream event source
type SourceConfig struct {
	Backend        string           `mapstructure:"backend"` // "opensearch" or "none"
	OpenSearch     OpenSearchConfig `mapstructure:"opensearch"`
	IndexPattern   string           `mapstructure:"index_pattern"`
	TimestampField string           `mapstructure:"timestamp_field"`
}

// RedisConfig holds Redis configuration for the cursor and leader lease
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Replay        bool          `mapstructure:"replay"`
}

// LeaderConfig holds leader lease settings for the maintenance runner
type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// QueryConfig holds fan-out read settings
type QueryConfig struct {
	HighSeverityMinLevel int `mapstructure:"high_severity_min_level"`
	MaxLevel             int `mapstructure:"max_level"`
	DefaultLimit         int `mapstructure:"default_limit"`
	MaxDepth             int `mapstructure:"max_depth"`
}

// Policy converts the tiering section to a models.Policy.
func (c *Config) Policy() models.Policy {
	return models.Policy{
		Tiered:            c.Tiering.Enabled,
		HotAge:            c.Tiering.HotAge,
		WarmAge:           c.Tiering.WarmAge,
		ColdAge:           c.Tiering.ColdAge,
		FallbackRetention: c.Tiering.FallbackRetention,
	}
}

// Validate checks invariants the jobs rely on.
func (c *Config) Validate() error {
	t := c.Tiering
	if t.Enabled && !(t.HotAge > 0 && t.HotAge < t.WarmAge && t.WarmAge < t.ColdAge) {
		return fmt.Errorf("tier thresholds must satisfy 0 < hot_age < warm_age < cold_age (got %s, %s, %s)",
			t.HotAge, t.WarmAge, t.ColdAge)
	}
	if !t.Enabled && t.FallbackRetention <= 0 {
		return fmt.Errorf("fallback_retention must be positive")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	switch c.Store.Backend {
	case "postgres", "opensearch", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Cursor.Backend {
	case "redis", "badger", "memory":
	default:
		return fmt.Errorf("unknown cursor backend %q", c.Cursor.Backend)
	}
	if c.Cursor.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("cursor backend redis requires redis.enabled")
	}
	if c.Query.HighSeverityMinLevel > c.Query.MaxLevel {
		return fmt.Errorf("high_severity_min_level must not exceed max_level")
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/tiering")
	}

	// Environment variables override (TIERING_TIERING_HOT_AGE, etc.)
	v.SetEnvPrefix("TIERING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tiering.enabled", true)
	v.SetDefault("tiering.hot_age", "168h")
	v.SetDefault("tiering.warm_age", "504h")
	v.SetDefault("tiering.cold_age", "2160h")
	v.SetDefault("tiering.fallback_retention", "168h")
	v.SetDefault("tiering.batch_size", 1000)

	v.SetDefault("schedule.ingest", "10s")
	v.SetDefault("schedule.migrate", "1h")
	v.SetDefault("schedule.dedup", "6h")
	v.SetDefault("schedule.severity", "6h")
	v.SetDefault("schedule.reap", "24h")
	v.SetDefault("schedule.indexes", "1h")

	v.SetDefault("ingest.overlap", "30s")
	v.SetDefault("ingest.initial_lookback", "5m")
	v.SetDefault("ingest.fetch_limit", 5000)
	v.SetDefault("ingest.fetch_timeout", "8s")

	v.SetDefault("normalizer.field_map_file", "")

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "telhawk")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.database", "telhawk_tiering")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.opensearch.url", "https://localhost:9200")
	v.SetDefault("store.opensearch.username", "admin")
	v.SetDefault("store.opensearch.password", "admin")
	v.SetDefault("store.opensearch.insecure", true)
	v.SetDefault("store.opensearch.index_prefix", "telhawk-events")
	v.SetDefault("store.opensearch.shard_count", 1)
	v.SetDefault("store.opensearch.replica_count", 0)

	v.SetDefault("cursor.backend", "redis")
	v.SetDefault("cursor.key", "tiering:ingest:cursor")
	v.SetDefault("cursor.badger_path", "/var/lib/telhawk/tiering/cursor")

	v.SetDefault("source.backend", "opensearch")
	v.SetDefault("source.opensearch.url", "https://wazuh-indexer:9200")
	v.SetDefault("source.opensearch.username", "admin")
	v.SetDefault("source.opensearch.password", "admin")
	v.SetDefault("source.opensearch.insecure", true)
	v.SetDefault("source.index_pattern", "wazuh-alerts-*")
	v.SetDefault("source.timestamp_field", "timestamp")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.replay", true)

	v.SetDefault("leader.enabled", true)
	v.SetDefault("leader.key", "tiering:leader")
	v.SetDefault("leader.ttl", "30s")

	v.SetDefault("query.high_severity_min_level", 12)
	v.SetDefault("query.max_level", 15)
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_depth", 10000)
}
