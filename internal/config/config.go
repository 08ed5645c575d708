package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Feeds       FeedsConfig       `yaml:"feeds" mapstructure:"feeds"`
	Replication ReplicationConfig `yaml:"replication" mapstructure:"replication"`
	Classifier  ClassifierConfig  `yaml:"classifier" mapstructure:"classifier"`
	Media       MediaConfig       `yaml:"media" mapstructure:"media"`
	S3          S3Config          `yaml:"s3" mapstructure:"s3"`
	Status      StatusConfig      `yaml:"status" mapstructure:"status"`
	Resilience  ResilienceConfig  `yaml:"resilience" mapstructure:"resilience"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the Postgres canonical store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FeedsConfig holds the two ranked feed providers.
type FeedsConfig struct {
	Primary   ProviderConfig `yaml:"primary" mapstructure:"primary"`
	Secondary ProviderConfig `yaml:"secondary" mapstructure:"secondary"`
}

// Providers returns the configured providers, highest rank first. Providers
// without a list URL are left out.
func (f FeedsConfig) Providers() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range []ProviderConfig{f.Primary, f.Secondary} {
		if p.ListURL != "" {
			out = append(out, p)
		}
	}
	return out
}

// ProviderConfig describes one feed provider endpoint.
type ProviderConfig struct {
	Slug           string   `yaml:"slug" mapstructure:"slug"`
	Name           string   `yaml:"name" mapstructure:"name"`
	Rank           int      `yaml:"rank" mapstructure:"rank"`
	ListURL        string   `yaml:"list_url" mapstructure:"list_url"`
	MediaURL       string   `yaml:"media_url" mapstructure:"media_url"`
	Token          string   `yaml:"token" mapstructure:"token"`
	MaxPageSize    int      `yaml:"max_page_size" mapstructure:"max_page_size"`
	BaseFilter     string   `yaml:"base_filter" mapstructure:"base_filter"`
	KeyField       string   `yaml:"key_field" mapstructure:"key_field"`
	TimestampField string   `yaml:"timestamp_field" mapstructure:"timestamp_field"`
	IDField        string   `yaml:"id_field" mapstructure:"id_field"`
	Select         []string `yaml:"select" mapstructure:"select"`
	RateLimit      float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst          int      `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs    int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ReplicationConfig tunes the orchestration loops.
type ReplicationConfig struct {
	PageSize            int `yaml:"page_size" mapstructure:"page_size"`
	MaxPages            int `yaml:"max_pages" mapstructure:"max_pages"`
	WindowDays          int `yaml:"window_days" mapstructure:"window_days"`
	DeltaHours          int `yaml:"delta_hours" mapstructure:"delta_hours"`
	BackfillTimeoutMins int `yaml:"backfill_timeout_mins" mapstructure:"backfill_timeout_mins"`
	WindowTimeoutMins   int `yaml:"window_timeout_mins" mapstructure:"window_timeout_mins"`
	DeltaTimeoutMins    int `yaml:"delta_timeout_mins" mapstructure:"delta_timeout_mins"`
	ImportTimeoutMins   int `yaml:"import_timeout_mins" mapstructure:"import_timeout_mins"`
	MediaTimeoutMins    int `yaml:"media_timeout_mins" mapstructure:"media_timeout_mins"`
	ByIDCap             int `yaml:"by_id_cap" mapstructure:"by_id_cap"`
	ByIDChunk           int `yaml:"by_id_chunk" mapstructure:"by_id_chunk"`
}

// ClassifierConfig points at an optional YAML phrase list that replaces the
// built-in power-of-sale phrases.
type ClassifierConfig struct {
	PhrasesFile string `yaml:"phrases_file" mapstructure:"phrases_file"`
}

// MediaConfig tunes the media synchronizer and downloader.
type MediaConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	Downloads    bool    `yaml:"downloads" mapstructure:"downloads"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
	MaxItems     int     `yaml:"max_items" mapstructure:"max_items"`
	Workers      int     `yaml:"workers" mapstructure:"workers"`
	QueueSize    int     `yaml:"queue_size" mapstructure:"queue_size"`
	BackfillSize int     `yaml:"backfill_size" mapstructure:"backfill_size"`
	TempDir      string  `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// S3Config configures the object store for downloaded media.
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	PublicURL string `yaml:"public_url" mapstructure:"public_url"`
}

// StatusConfig selects the status store backend.
type StatusConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	SQLitePath      string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	ProgressTTLMins int    `yaml:"progress_ttl_mins" mapstructure:"progress_ttl_mins"`
}

// ResilienceConfig holds the retry and circuit breaker numbers.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig is the config form of resilience.RetryConfig.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig is the config form of resilience.CircuitBreakerConfig.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// SchedulerConfig maps job names to cron specs. An empty spec disables the job.
type SchedulerConfig struct {
	Jobs map[string]string `yaml:"jobs" mapstructure:"jobs"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures run health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureThreshold    int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	StaleCursorHours    int    `yaml:"stale_cursor_hours" mapstructure:"stale_cursor_hours"`
	RepeatAfterMins     int    `yaml:"repeat_after_mins" mapstructure:"repeat_after_mins"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LISTINGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	for slug, rank := range map[string]int{"primary": 2, "secondary": 1} {
		p := "feeds." + slug + "."
		v.SetDefault(p+"slug", slug)
		v.SetDefault(p+"name", slug)
		v.SetDefault(p+"rank", rank)
		v.SetDefault(p+"list_url", "")
		v.SetDefault(p+"media_url", "")
		v.SetDefault(p+"token", "")
		v.SetDefault(p+"max_page_size", 500)
		v.SetDefault(p+"base_filter", "TransactionType eq 'For Sale'")
		v.SetDefault(p+"key_field", "ListingKey")
		v.SetDefault(p+"timestamp_field", "ModificationTimestamp")
		v.SetDefault(p+"id_field", "ListingId")
		v.SetDefault(p+"rate_limit", 2.0)
		v.SetDefault(p+"burst", 2)
		v.SetDefault(p+"timeout_secs", 60)
	}

	v.SetDefault("replication.page_size", 100)
	v.SetDefault("replication.max_pages", 200)
	v.SetDefault("replication.window_days", 30)
	v.SetDefault("replication.delta_hours", 24)
	v.SetDefault("replication.backfill_timeout_mins", 180)
	v.SetDefault("replication.window_timeout_mins", 60)
	v.SetDefault("replication.delta_timeout_mins", 30)
	v.SetDefault("replication.import_timeout_mins", 15)
	v.SetDefault("replication.media_timeout_mins", 120)
	v.SetDefault("replication.by_id_cap", 500)
	v.SetDefault("replication.by_id_chunk", 10)

	v.SetDefault("classifier.phrases_file", "")

	v.SetDefault("media.enabled", true)
	v.SetDefault("media.downloads", false)
	v.SetDefault("media.rate_limit", 1.0)
	v.SetDefault("media.burst", 1)
	v.SetDefault("media.max_items", 25)
	v.SetDefault("media.workers", 4)
	v.SetDefault("media.queue_size", 1000)
	v.SetDefault("media.backfill_size", 200)
	v.SetDefault("media.temp_dir", "/tmp/listing-sync")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.prefix", "listings")
	v.SetDefault("s3.public_url", "")

	v.SetDefault("status.driver", "postgres")
	v.SetDefault("status.sqlite_path", "listing-sync.db")
	v.SetDefault("status.progress_ttl_mins", 1440)

	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff_ms", 500)
	v.SetDefault("resilience.retry.max_backoff_ms", 30000)
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.jitter_fraction", 0.25)
	v.SetDefault("resilience.circuit.failure_threshold", 5)
	v.SetDefault("resilience.circuit.reset_timeout_secs", 60)

	v.SetDefault("scheduler.jobs", map[string]string{
		"primary-pos-backfill":   "0 2 * * *",
		"secondary-pos-backfill": "30 2 * * *",
		"primary-window-scan":    "15 */6 * * *",
		"secondary-window-scan":  "45 */6 * * *",
		"delta-scan":             "*/20 * * * *",
		"media-backfill":         "0 4 * * *",
	})

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_threshold", 1)
	v.SetDefault("monitoring.stale_cursor_hours", 6)
	v.SetDefault("monitoring.repeat_after_mins", 60)
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
