// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tarabot/tarabot/internal/scan"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Provider string `mapstructure:"provider"` // postgres | memory
}

// DBConfig controls access to Postgres when the postgres provider is active.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig governs the durable job queue and its workers.
type QueueConfig struct {
	Workers            int           `mapstructure:"workers"`
	Attempts           int           `mapstructure:"attempts"`
	Backoff            time.Duration `mapstructure:"backoff"`
	LockDuration       time.Duration `mapstructure:"lock_duration"`
	LockRenewInterval  time.Duration `mapstructure:"lock_renew_interval"`
	StalledInterval    time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount    int           `mapstructure:"max_stalled_count"`
	FailedRetention    int           `mapstructure:"failed_retention"`
	CompletedRetention int           `mapstructure:"completed_retention"`
	DrainOnBoot        bool          `mapstructure:"drain_on_boot"`
}

// ScannerConfig holds the default scan tunables; per-scan values override them.
type ScannerConfig struct {
	Concurrency          int           `mapstructure:"concurrency"`
	Timeout              time.Duration `mapstructure:"timeout"`
	BatchSize            int           `mapstructure:"batch_size"`
	URLBatchSize         int           `mapstructure:"url_batch_size"`
	Retries              int           `mapstructure:"retries"`
	RetryWait            time.Duration `mapstructure:"retry_wait"`
	SubBatchDelay        time.Duration `mapstructure:"sub_batch_delay"`
	UserAgent            string        `mapstructure:"user_agent"`
	StopFlagTTL          time.Duration `mapstructure:"stop_flag_ttl"`
	StatusCheckEveryURLs int           `mapstructure:"status_check_every_urls"`
	RecheckEveryBatches  int           `mapstructure:"recheck_every_batches"`
	RecheckInterval      time.Duration `mapstructure:"recheck_interval"`
	PauseSettle          time.Duration `mapstructure:"pause_settle"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARABOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3003)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff", "3s")
	v.SetDefault("queue.lock_duration", "60s")
	v.SetDefault("queue.lock_renew_interval", "30s")
	v.SetDefault("queue.stalled_interval", "10s")
	v.SetDefault("queue.max_stalled_count", 3)
	v.SetDefault("queue.failed_retention", 50)
	v.SetDefault("queue.completed_retention", 200)
	v.SetDefault("queue.drain_on_boot", true)
	v.SetDefault("scanner.concurrency", 2)
	v.SetDefault("scanner.timeout", "20s")
	v.SetDefault("scanner.batch_size", 10)
	v.SetDefault("scanner.url_batch_size", 2)
	v.SetDefault("scanner.retries", 3)
	v.SetDefault("scanner.retry_wait", "3s")
	v.SetDefault("scanner.sub_batch_delay", "500ms")
	v.SetDefault("scanner.user_agent", "Mozilla/5.0 (compatible; TaraBot/1.0; +https://tarabot.com)")
	v.SetDefault("scanner.stop_flag_ttl", "24h")
	v.SetDefault("scanner.status_check_every_urls", 20)
	v.SetDefault("scanner.recheck_every_batches", 10)
	v.SetDefault("scanner.recheck_interval", "2m")
	v.SetDefault("scanner.pause_settle", "3s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be > 0")
	}
	if c.Queue.LockDuration <= c.Queue.LockRenewInterval {
		return fmt.Errorf("queue.lock_duration must exceed queue.lock_renew_interval")
	}
	if c.Scanner.Timeout <= 0 {
		return fmt.Errorf("scanner.timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ScanDefaults converts scanner config into the payload normalization defaults.
func (c Config) ScanDefaults() scan.Defaults {
	return scan.Defaults{
		Concurrency:  c.Scanner.Concurrency,
		Timeout:      c.Scanner.Timeout,
		BatchSize:    c.Scanner.BatchSize,
		URLBatchSize: c.Scanner.URLBatchSize,
		Retries:      c.Scanner.Retries,
		RetryWait:    c.Scanner.RetryWait,
	}
}
