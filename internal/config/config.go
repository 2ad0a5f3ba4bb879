package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	InputPath    string `mapstructure:"INPUT_PATH"`
	OutputPath   string `mapstructure:"OUTPUT_PATH"`
	AuditLogPath string `mapstructure:"AUDIT_LOG_PATH"`
	AuditDB      bool   `mapstructure:"AUDIT_POSTGRES"`
	ReportPath   string `mapstructure:"REPORT_PATH"`

	TokenStoreBackend string `mapstructure:"TOKEN_STORE_BACKEND"`
	TokenStorePath    string `mapstructure:"TOKEN_STORE_PATH"`
	TokenStoreFlush   string `mapstructure:"TOKEN_STORE_FLUSH"`
	TokenKeyPrefix    string `mapstructure:"TOKEN_KEY_PREFIX"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AWSRegion  string `mapstructure:"AWS_REGION"`
	S3Endpoint string `mapstructure:"S3_ENDPOINT"`

	Detector      string `mapstructure:"DETECTOR"`
	NameListPath  string `mapstructure:"NAME_LIST_PATH"`
	DetectWorkers int    `mapstructure:"DETECT_WORKERS"`

	IngestMaxAttempts int           `mapstructure:"INGEST_MAX_ATTEMPTS"`
	IngestRetryDelay  time.Duration `mapstructure:"INGEST_RETRY_DELAY"`

	KAnonymityK         int      `mapstructure:"K_ANONYMITY_K"`
	KAnonymityPolicy    string   `mapstructure:"K_ANONYMITY_POLICY"`
	IntegrityThreshold  float64  `mapstructure:"INTEGRITY_THRESHOLD"`
	IntegrityChildTypes []string `mapstructure:"INTEGRITY_CHILD_TYPES"`

	PushgatewayURL string `mapstructure:"PUSHGATEWAY_URL"`
	TraceExporter  string `mapstructure:"TRACE_EXPORTER"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"INPUT_PATH", "OUTPUT_PATH", "AUDIT_LOG_PATH", "AUDIT_POSTGRES", "REPORT_PATH",
	"TOKEN_STORE_BACKEND", "TOKEN_STORE_PATH", "TOKEN_STORE_FLUSH", "TOKEN_KEY_PREFIX",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AWS_REGION", "S3_ENDPOINT",
	"DETECTOR", "NAME_LIST_PATH", "DETECT_WORKERS",
	"INGEST_MAX_ATTEMPTS", "INGEST_RETRY_DELAY",
	"K_ANONYMITY_K", "K_ANONYMITY_POLICY", "INTEGRITY_THRESHOLD", "INTEGRITY_CHILD_TYPES",
	"PUSHGATEWAY_URL", "TRACE_EXPORTER",
}

// Load reads configFile (".env" when empty) and the environment. A missing
// default .env is ignored; an explicitly named file must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	explicit := configFile != ""
	if !explicit {
		configFile = ".env"
	}
	v.SetConfigFile(configFile)
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUDIT_LOG_PATH", "audit_log.jsonl")
	v.SetDefault("AUDIT_POSTGRES", false)
	v.SetDefault("TOKEN_STORE_BACKEND", "file")
	v.SetDefault("TOKEN_STORE_PATH", "token_map.json")
	v.SetDefault("TOKEN_STORE_FLUSH", "immediate")
	v.SetDefault("TOKEN_KEY_PREFIX", "deid:token:")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DETECTOR", "gazetteer")
	v.SetDefault("DETECT_WORKERS", 0)
	v.SetDefault("INGEST_MAX_ATTEMPTS", 3)
	v.SetDefault("INGEST_RETRY_DELAY", "1s")
	v.SetDefault("K_ANONYMITY_K", 5)
	v.SetDefault("K_ANONYMITY_POLICY", "report")
	v.SetDefault("INTEGRITY_THRESHOLD", 0.5)
	v.SetDefault("INTEGRITY_CHILD_TYPES", "Condition")
	v.SetDefault("TRACE_EXPORTER", "none")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil && explicit {
		return nil, fmt.Errorf("read config %s: %w", configFile, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.IntegrityChildTypes = splitList(strings.Join(cfg.IntegrityChildTypes, ","))
	if cfg.IntegrityChildTypes == nil {
		cfg.IntegrityChildTypes = splitList(v.GetString("INTEGRITY_CHILD_TYPES"))
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, falling back to info when it is empty.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(c.LogLevel))
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// Validate checks that the configuration is consistent. Input and output
// locations are checked separately by RequirePaths since the CLI may supply
// them as flags.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := c.Level(); err != nil {
		add(fmt.Errorf("LOG_LEVEL: %w", err))
	}

	add(oneOf("TOKEN_STORE_BACKEND", c.TokenStoreBackend, "file", "postgres", "redis"))
	switch c.TokenStoreBackend {
	case "file":
		if c.TokenStorePath == "" {
			add(errors.New("TOKEN_STORE_PATH is required when TOKEN_STORE_BACKEND is \"file\""))
		}
		add(oneOf("TOKEN_STORE_FLUSH", c.TokenStoreFlush, "immediate", "batch"))
	case "postgres":
		if c.DatabaseURL == "" {
			add(errors.New("DATABASE_URL is required when TOKEN_STORE_BACKEND is \"postgres\""))
		}
	case "redis":
		if c.RedisURL == "" {
			add(errors.New("REDIS_URL is required when TOKEN_STORE_BACKEND is \"redis\""))
		}
	}
	if c.AuditDB && c.DatabaseURL == "" {
		add(errors.New("DATABASE_URL is required when AUDIT_POSTGRES is true"))
	}
	if c.AuditLogPath == "" && !c.AuditDB {
		add(errors.New("AUDIT_LOG_PATH is required unless AUDIT_POSTGRES is true"))
	}
	if c.DBMinConns > c.DBMaxConns {
		add(fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}

	add(oneOf("DETECTOR", c.Detector, "regex", "gazetteer"))
	if c.DetectWorkers < 0 {
		add(fmt.Errorf("DETECT_WORKERS must not be negative, got %d", c.DetectWorkers))
	}

	if c.IngestMaxAttempts < 1 {
		add(fmt.Errorf("INGEST_MAX_ATTEMPTS must be at least 1, got %d", c.IngestMaxAttempts))
	}
	if c.IngestRetryDelay < 0 {
		add(fmt.Errorf("INGEST_RETRY_DELAY must not be negative, got %s", c.IngestRetryDelay))
	}

	if c.KAnonymityK < 1 {
		add(fmt.Errorf("K_ANONYMITY_K must be at least 1, got %d", c.KAnonymityK))
	}
	add(oneOf("K_ANONYMITY_POLICY", c.KAnonymityPolicy, "report", "enforce"))
	if c.IntegrityThreshold <= 0 {
		add(fmt.Errorf("INTEGRITY_THRESHOLD must be positive, got %v", c.IntegrityThreshold))
	}
	if len(c.IntegrityChildTypes) == 0 {
		add(errors.New("INTEGRITY_CHILD_TYPES must name at least one resource type"))
	}

	add(oneOf("TRACE_EXPORTER", c.TraceExporter, "none", "stdout"))

	return errors.Join(errs...)
}

// RequirePaths checks that the locations a command needs are set.
func (c *Config) RequirePaths(output bool) error {
	if c.InputPath == "" {
		return errors.New("INPUT_PATH (or --input) is required")
	}
	if output && c.OutputPath == "" {
		return errors.New("OUTPUT_PATH (or --output) is required")
	}
	if output && c.InputPath == c.OutputPath {
		return fmt.Errorf("output %q must differ from input", c.OutputPath)
	}
	return nil
}
