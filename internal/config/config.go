package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Session   SessionConfig   `mapstructure:"session"`
	History   HistoryConfig   `mapstructure:"history"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// LLMConfig holds the chat-completion service configuration
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig holds the embedding service configuration
type EmbeddingConfig struct {
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PostgresConfig holds the relational store connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// VectorConfig holds the pgvector retrieval settings
type VectorConfig struct {
	Table       string `mapstructure:"table"`
	DefaultTopK int    `mapstructure:"default_top_k"`
	MaxTopK     int    `mapstructure:"max_top_k"`
}

// PipelineConfig bounds the drafting/review loop and execution limits
type PipelineConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	PlanRetries      int           `mapstructure:"plan_retries"`
	PreviewRows      int           `mapstructure:"preview_rows"`
	MaxRows          int           `mapstructure:"max_rows"`
	DryRunTimeout    time.Duration `mapstructure:"dry_run_timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	HistoryWindow    int           `mapstructure:"history_window"`
}

// SessionConfig controls per-session streaming and lifecycle
type SessionConfig struct {
	Buffer          int           `mapstructure:"buffer"`
	ConsumerTimeout time.Duration `mapstructure:"consumer_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// HistoryConfig holds the audit-log settings
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig holds logging options
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("embedding.model", "text-embedding-3-large")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", "10s")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "postgres")
	v.SetDefault("vector.table", "vector_embeddings_1536")
	v.SetDefault("vector.default_top_k", 3)
	v.SetDefault("vector.max_top_k", 10)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.plan_retries", 2)
	v.SetDefault("pipeline.preview_rows", 5)
	v.SetDefault("pipeline.max_rows", 500)
	v.SetDefault("pipeline.dry_run_timeout", "5s")
	v.SetDefault("pipeline.execution_timeout", "30s")
	v.SetDefault("pipeline.history_window", 6)
	v.SetDefault("session.buffer", 32)
	v.SetDefault("session.consumer_timeout", "5s")
	v.SetDefault("session.idle_timeout", "15m")
	v.SetDefault("history.path", "audit.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
}

// DSN returns a keyword/value connection string for the pgx driver.
func (c PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s", c.Host, c.Port, c.User, c.Database)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	if c.SSLMode != "" {
		dsn += " sslmode=" + c.SSLMode
	}
	return dsn
}
