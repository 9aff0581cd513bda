package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Primary    PrimaryConfig    `yaml:"primary" mapstructure:"primary"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Guard      GuardConfig      `yaml:"guard" mapstructure:"guard"`
	Review     ReviewConfig     `yaml:"review" mapstructure:"review"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the secondary datastore backend.
type StoreConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	EnforceOwnership bool   `yaml:"enforce_ownership" mapstructure:"enforce_ownership"`
	MaxConns         int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns         int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds LLM settings for the AI enhancer.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// IntakeConfig holds mailbox connector settings.
type IntakeConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Token       string `yaml:"token" mapstructure:"token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
}

// PrimaryConfig holds Primary Decision Service settings.
type PrimaryConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Token            string `yaml:"token" mapstructure:"token"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts    int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// PipelineConfig configures extraction and gating behavior.
type PipelineConfig struct {
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
	AutoImportThreshold  int     `yaml:"auto_import_threshold" mapstructure:"auto_import_threshold"`
	ReviewFieldThreshold float64 `yaml:"review_field_threshold" mapstructure:"review_field_threshold"`
	AuthorityTablePath   string  `yaml:"authority_table_path" mapstructure:"authority_table_path"`
	Timezone             string  `yaml:"timezone" mapstructure:"timezone"`
}

// GuardConfig configures the ingestion trigger access guard.
type GuardConfig struct {
	APIKey              string `yaml:"api_key" mapstructure:"api_key"`
	KeyHeader           string `yaml:"key_header" mapstructure:"key_header"`
	RateLimitMax        int    `yaml:"rate_limit_max" mapstructure:"rate_limit_max"`
	RateLimitWindowMs   int    `yaml:"rate_limit_window_ms" mapstructure:"rate_limit_window_ms"`
	JanitorIntervalSecs int    `yaml:"janitor_interval_secs" mapstructure:"janitor_interval_secs"`

	// TrustedProxies are the proxy addresses whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// ReviewConfig configures the review wizard.
type ReviewConfig struct {
	DisplayDelayMs int `yaml:"display_delay_ms" mapstructure:"display_delay_ms"`
}

// IngestConfig holds defaults for ingestion runs.
type IngestConfig struct {
	DefaultOrgID string `yaml:"default_org_id" mapstructure:"default_org_id"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background backlog checker.
type MonitoringConfig struct {
	CheckIntervalSecs     int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ReconcileIntervalSecs int    `yaml:"reconcile_interval_secs" mapstructure:"reconcile_interval_secs"`
	ReconcileBatch        int    `yaml:"reconcile_batch" mapstructure:"reconcile_batch"`
	OutboxThreshold       int    `yaml:"outbox_threshold" mapstructure:"outbox_threshold"`
	DLQThreshold          int    `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	WebhookURL            string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OFICIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.enforce_ownership", false)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("anthropic.rate_limit", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("intake.timeout_secs", 20)
	v.SetDefault("intake.bucket", "oficios-anexos")
	v.SetDefault("primary.timeout_secs", 15)
	v.SetDefault("primary.retry_attempts", 2)
	v.SetDefault("primary.retry_backoff_ms", 250)
	v.SetDefault("primary.breaker_threshold", 5)
	v.SetDefault("primary.breaker_reset_secs", 30)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.auto_import_threshold", 80)
	v.SetDefault("pipeline.review_field_threshold", 0.8)
	v.SetDefault("pipeline.timezone", "America/Sao_Paulo")
	v.SetDefault("guard.key_header", "x-api-key")
	v.SetDefault("guard.rate_limit_max", 60)
	v.SetDefault("guard.rate_limit_window_ms", 60000)
	v.SetDefault("guard.janitor_interval_secs", 60)
	v.SetDefault("review.display_delay_ms", 3000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.reconcile_interval_secs", 0)
	v.SetDefault("monitoring.reconcile_batch", 50)
	v.SetDefault("monitoring.outbox_threshold", 25)
	v.SetDefault("monitoring.dlq_threshold", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a given command mode depends on. All problems
// are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	needsStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "serve":
		needsStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Guard.RateLimitMax <= 0 {
			errs = append(errs, "guard.rate_limit_max must be > 0")
		}
		if c.Guard.RateLimitWindowMs <= 0 {
			errs = append(errs, "guard.rate_limit_window_ms must be > 0")
		}
	case "ingest":
		needsStore()
		if c.Intake.BaseURL == "" {
			errs = append(errs, "intake.base_url is required")
		}
	case "reconcile":
		needsStore()
		if c.Primary.BaseURL == "" {
			errs = append(errs, "primary.base_url is required")
		}
	case "migrate", "export", "users":
		needsStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 32 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 32")
	}
	if c.Pipeline.AutoImportThreshold < 0 || c.Pipeline.AutoImportThreshold > 100 {
		errs = append(errs, "pipeline.auto_import_threshold must be between 0 and 100")
	}
	if c.Pipeline.ReviewFieldThreshold < 0 || c.Pipeline.ReviewFieldThreshold > 1 {
		errs = append(errs, "pipeline.review_field_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves the pipeline timezone, falling back to time.Local.
func (c PipelineConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		zap.L().Warn("config: unknown timezone, using local", zap.String("timezone", c.Timezone), zap.Error(err))
		return time.Local
	}
	return loc
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds setting to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
