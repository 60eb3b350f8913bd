package config

import (
	"os"
	"testing"
	"time"
)

const sampleConfig = `
llm:
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o
postgres:
  host: db.internal
  port: 5433
  user: reader
  password: hunter2
  database: analytics
  sslmode: require
vector:
  default_top_k: 5
pipeline:
  max_retries: 2
  execution_timeout: 10s
server:
  host: 0.0.0.0
  port: "9090"
`

// TestLoad verifies Load unmarshals overrides and keeps defaults for the rest.
func TestLoad(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(sampleConfig); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected llm model: %s", cfg.LLM.Model)
	}
	if cfg.Postgres.Host != "db.internal" || cfg.Postgres.Port != 5433 {
		t.Fatalf("postgres not parsed: %+v", cfg.Postgres)
	}
	if cfg.Pipeline.MaxRetries != 2 {
		t.Fatalf("expected max_retries 2, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.ExecutionTimeout != 10*time.Second {
		t.Fatalf("expected execution_timeout 10s, got %s", cfg.Pipeline.ExecutionTimeout)
	}
	if cfg.Vector.DefaultTopK != 5 {
		t.Fatalf("expected default_top_k 5, got %d", cfg.Vector.DefaultTopK)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("unexpected server port: %s", cfg.Server.Port)
	}

	// Defaults fill in everything unset.
	if cfg.Vector.Table != "vector_embeddings_1536" {
		t.Fatalf("expected default vector table, got %s", cfg.Vector.Table)
	}
	if cfg.Embedding.Model != "text-embedding-3-large" || cfg.Embedding.Dimensions != 1536 {
		t.Fatalf("embedding defaults missing: %+v", cfg.Embedding)
	}
	if cfg.Pipeline.PlanRetries != 2 || cfg.Pipeline.MaxRows != 500 {
		t.Fatalf("pipeline defaults missing: %+v", cfg.Pipeline)
	}
	if cfg.Session.ConsumerTimeout != 5*time.Second {
		t.Fatalf("expected consumer_timeout 5s, got %s", cfg.Session.ConsumerTimeout)
	}
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Host: "db.internal", Port: 5433, User: "reader", Password: "hunter2", Database: "analytics", SSLMode: "require"}
	want := "host=db.internal port=5433 user=reader dbname=analytics password=hunter2 sslmode=require"
	if got := c.DSN(); got != want {
		t.Fatalf("unexpected dsn: %s", got)
	}

	c = PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", Database: "postgres"}
	want = "host=localhost port=5432 user=postgres dbname=postgres"
	if got := c.DSN(); got != want {
		t.Fatalf("unexpected dsn: %s", got)
	}
}
