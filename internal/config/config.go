// Package config loads environment-driven configuration for the memory
// coordinator. Precedence: built-in defaults, then an optional YAML file
// named by LTMC_CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	SQL         SQLConfig         `yaml:"sql" json:"sql"`
	Qdrant      QdrantConfig      `yaml:"qdrant" json:"qdrant"`
	Neo4j       Neo4jConfig       `yaml:"neo4j" json:"neo4j"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Embedding   EmbeddingConfig   `yaml:"embedding" json:"embedding"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Safety      SafetyConfig      `yaml:"safety" json:"safety"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
}

// SQLConfig configures the transactional store.
type SQLConfig struct {
	// Provider selects the database/sql driver: "sqlite3" or "postgres".
	Provider string `yaml:"provider" json:"provider"`
	// Path is the sqlite database file when Provider is sqlite3.
	Path string `yaml:"path" json:"path"`
	// DSN is the connection string when Provider is postgres.
	DSN          string `yaml:"dsn" json:"-"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
}

// QdrantConfig configures the vector index.
type QdrantConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	APIKey     string `yaml:"api_key" json:"-"`
	UseTLS     bool   `yaml:"use_tls" json:"use_tls"`
	Collection string `yaml:"collection" json:"collection"`
}

// Neo4jConfig configures the graph store.
type Neo4jConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
	MaxPool  int    `yaml:"max_pool_size" json:"max_pool_size"`
}

// RedisConfig configures the cache/session store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	// EventChannel is the pub/sub channel for advisory write notifications.
	EventChannel string `yaml:"event_channel" json:"event_channel"`
}

// EmbeddingConfig fixes the embedding model and dimension at process init.
type EmbeddingConfig struct {
	Model     string `yaml:"model" json:"model"`
	Dimension int    `yaml:"dimension" json:"dimension"`
}

// CoordinatorConfig tunes transaction deadlines per consistency level.
type CoordinatorConfig struct {
	StrongTimeout   time.Duration `yaml:"strong_timeout" json:"strong_timeout"`
	QuorumTimeout   time.Duration `yaml:"quorum_timeout" json:"quorum_timeout"`
	PrimaryTimeout  time.Duration `yaml:"primary_timeout" json:"primary_timeout"`
	EventualTimeout time.Duration `yaml:"eventual_timeout" json:"eventual_timeout"`
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl" json:"default_cache_ttl"`
}

// SafetyConfig tunes the recursion and safety guard.
type SafetyConfig struct {
	WarningDepth     int           `yaml:"warning_depth" json:"warning_depth"`
	MaxDepth         int           `yaml:"max_depth" json:"max_depth"`
	LoopWindow       int           `yaml:"loop_window" json:"loop_window"`
	MaxContentBytes  int           `yaml:"max_content_bytes" json:"max_content_bytes"`
	MaxMetadataBytes int           `yaml:"max_metadata_bytes" json:"max_metadata_bytes"`
	MaxConcurrentOps int           `yaml:"max_concurrent_ops" json:"max_concurrent_ops"`
	MaxSessionBytes  int64         `yaml:"max_session_bytes" json:"max_session_bytes"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8040,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		SQL: SQLConfig{
			Provider:     "sqlite3",
			Path:         "ltmc.db",
			MaxOpenConns: 8,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "ltmc_memory",
		},
		Neo4j: Neo4jConfig{
			URI:     "bolt://localhost:7687",
			User:    "neo4j",
			MaxPool: 50,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			EventChannel: "ltmc:events",
		},
		Embedding: EmbeddingConfig{
			Model:     "all-MiniLM-L6-v2",
			Dimension: 384,
		},
		Coordinator: CoordinatorConfig{
			StrongTimeout:   10 * time.Second,
			QuorumTimeout:   15 * time.Second,
			PrimaryTimeout:  15 * time.Second,
			EventualTimeout: 30 * time.Second,
			DefaultCacheTTL: 15 * time.Minute,
		},
		Safety: SafetyConfig{
			WarningDepth:     7,
			MaxDepth:         10,
			LoopWindow:       5,
			MaxContentBytes:  100 * 1024,
			MaxMetadataBytes: 10 * 1024,
			MaxConcurrentOps: 50,
			MaxSessionBytes:  100 * 1024 * 1024,
			BreakerTimeout:   30 * time.Second,
			BreakerThreshold: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("LTMC_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Server.Host, "LTMC_HOST")
	setInt(&cfg.Server.Port, "LTMC_PORT")

	setString(&cfg.SQL.Provider, "LTMC_SQL_PROVIDER")
	setString(&cfg.SQL.Path, "LTMC_DB_PATH")
	setString(&cfg.SQL.DSN, "LTMC_SQL_DSN")

	setString(&cfg.Qdrant.Host, "LTMC_QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "LTMC_QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "LTMC_QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "LTMC_QDRANT_TLS")
	setString(&cfg.Qdrant.Collection, "LTMC_QDRANT_COLLECTION")

	setString(&cfg.Neo4j.URI, "LTMC_NEO4J_URI")
	setString(&cfg.Neo4j.User, "LTMC_NEO4J_USER")
	setString(&cfg.Neo4j.Password, "LTMC_NEO4J_PASSWORD")
	setString(&cfg.Neo4j.Database, "LTMC_NEO4J_DATABASE")

	setString(&cfg.Redis.Addr, "LTMC_REDIS_ADDR")
	setString(&cfg.Redis.Password, "LTMC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LTMC_REDIS_DB")

	setString(&cfg.Embedding.Model, "LTMC_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimension, "LTMC_EMBEDDING_DIM")

	setInt(&cfg.Safety.MaxDepth, "LTMC_SAFETY_MAX_DEPTH")
	setInt(&cfg.Safety.WarningDepth, "LTMC_SAFETY_WARNING_DEPTH")

	setString(&cfg.Logging.Level, "LTMC_LOG_LEVEL")
	setString(&cfg.Logging.Format, "LTMC_LOG_FORMAT")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.SQL.Provider {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unknown sql provider %q", c.SQL.Provider)
	}
	if c.SQL.Provider == "sqlite3" && c.SQL.Path == "" {
		return fmt.Errorf("sqlite path must not be empty")
	}
	if c.SQL.Provider == "postgres" && c.SQL.DSN == "" {
		return fmt.Errorf("postgres dsn must not be empty")
	}
	if c.Safety.MaxDepth <= c.Safety.WarningDepth {
		return fmt.Errorf("max depth (%d) must exceed warning depth (%d)",
			c.Safety.MaxDepth, c.Safety.WarningDepth)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
