package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.TokenStoreBackend != "file" || cfg.TokenStorePath != "token_map.json" || cfg.TokenStoreFlush != "immediate" {
		t.Errorf("unexpected token store defaults: %+v", cfg)
	}
	if cfg.IngestMaxAttempts != 3 || cfg.IngestRetryDelay != time.Second {
		t.Errorf("unexpected retry defaults: %d %s", cfg.IngestMaxAttempts, cfg.IngestRetryDelay)
	}
	if cfg.KAnonymityK != 5 || cfg.KAnonymityPolicy != "report" || cfg.IntegrityThreshold != 0.5 {
		t.Errorf("unexpected compliance defaults: %+v", cfg)
	}
	if len(cfg.IntegrityChildTypes) != 1 || cfg.IntegrityChildTypes[0] != "Condition" {
		t.Errorf("expected default child types [Condition], got %v", cfg.IntegrityChildTypes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("TOKEN_STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("INGEST_RETRY_DELAY", "250ms")
	t.Setenv("K_ANONYMITY_POLICY", "enforce")
	t.Setenv("INTEGRITY_CHILD_TYPES", "Condition, Procedure")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenStoreBackend != "redis" || cfg.RedisURL == "" {
		t.Errorf("expected redis backend, got %+v", cfg)
	}
	if cfg.IngestRetryDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.IngestRetryDelay)
	}
	if got := strings.Join(cfg.IntegrityChildTypes, "|"); got != "Condition|Procedure" {
		t.Errorf("expected two child types, got %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deid.env")
	body := "INPUT_PATH=in.json\nOUTPUT_PATH=s3://bucket/out.json\nK_ANONYMITY_K=3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.InputPath != "in.json" || cfg.OutputPath != "s3://bucket/out.json" || cfg.KAnonymityK != 3 {
		t.Errorf("config file values not applied: %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.TokenStoreBackend = "postgres" }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.TokenStoreBackend = "redis" }, "REDIS_URL"},
		{"unknown backend", func(c *Config) { c.TokenStoreBackend = "sqlite" }, "TOKEN_STORE_BACKEND"},
		{"bad flush", func(c *Config) { c.TokenStoreFlush = "sometimes" }, "TOKEN_STORE_FLUSH"},
		{"bad policy", func(c *Config) { c.KAnonymityPolicy = "block" }, "K_ANONYMITY_POLICY"},
		{"k zero", func(c *Config) { c.KAnonymityK = 0 }, "K_ANONYMITY_K"},
		{"no attempts", func(c *Config) { c.IngestMaxAttempts = 0 }, "INGEST_MAX_ATTEMPTS"},
		{"bad detector", func(c *Config) { c.Detector = "spacy" }, "DETECTOR"},
		{"bad exporter", func(c *Config) { c.TraceExporter = "jaeger" }, "TRACE_EXPORTER"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"audit db without url", func(c *Config) { c.AuditDB = true }, "AUDIT_POSTGRES"},
		{"pool bounds", func(c *Config) { c.DBMinConns = 50 }, "DB_MIN_CONNS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestRequirePaths(t *testing.T) {
	c := &Config{}
	if err := c.RequirePaths(false); err == nil {
		t.Error("expected missing input error")
	}
	c.InputPath = "in.json"
	if err := c.RequirePaths(false); err != nil {
		t.Errorf("verify needs only input: %v", err)
	}
	if err := c.RequirePaths(true); err == nil {
		t.Error("expected missing output error")
	}
	c.OutputPath = "in.json"
	if err := c.RequirePaths(true); err == nil {
		t.Error("expected error when output overwrites input")
	}
}

func TestConfig_Level(t *testing.T) {
	c := &Config{LogLevel: "DEBUG"}
	if lvl, err := c.Level(); err != nil || lvl != zerolog.DebugLevel {
		t.Errorf("expected debug, got %v %v", lvl, err)
	}
	c.LogLevel = ""
	if lvl, _ := c.Level(); lvl != zerolog.InfoLevel {
		t.Errorf("expected info default, got %v", lvl)
	}
}
