// Package config defines the ledger daemon configuration and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/marketledger/internal/schedule"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEDGER_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Stream     StreamConfig     `toml:"stream"`
	Settlement SettlementConfig `toml:"settlement"`
	Jobs       JobsConfig       `toml:"jobs"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LogFile    LogFileConfig    `toml:"log_file"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	KeyPrefix      string `toml:"key_prefix"`
}

// StreamConfig holds the consumer group and output stream names and the
// consumer loop tuning.
type StreamConfig struct {
	Input            string   `toml:"input"`
	Group            string   `toml:"group"`
	Consumer         string   `toml:"consumer"`
	ProcessedChannel string   `toml:"processed_channel"`
	Output           string   `toml:"output"`
	DeadLetter       string   `toml:"dead_letter"`
	IdleThreshold    duration `toml:"idle_threshold"`
	ReadCount        int64    `toml:"read_count"`
	Block            duration `toml:"block"`
	ReclaimCount     int64    `toml:"reclaim_count"`
	// MaxDeliveries is the delivery count at which an entry is dead-lettered.
	// Zero retries forever.
	MaxDeliveries int64    `toml:"max_deliveries"`
	ErrorBackoff  duration `toml:"error_backoff"`
	MaxLen        int64    `toml:"maxlen"`
}

// SettlementConfig holds settlement job parameters.
type SettlementConfig struct {
	PayoutPerShare int64 `toml:"payout_per_share"`
	IsolateMarkets bool  `toml:"isolate_markets"`
	Batch          int   `toml:"batch"`
}

// JobConfig holds the schedule of one job.
type JobConfig struct {
	Cron string `toml:"cron"`
}

// PruneConfig schedules removal of processed stream entry ids older than
// Retention.
type PruneConfig struct {
	Cron      string   `toml:"cron"`
	Retention duration `toml:"retention"`
}

// JobsConfig holds the market lifecycle job schedules.
type JobsConfig struct {
	Activate JobConfig   `toml:"activate"`
	Close    JobConfig   `toml:"close"`
	Settle   JobConfig   `toml:"settle"`
	Prune    PruneConfig `toml:"prune"`
	Batch    int         `toml:"batch"`
}

// ArchiveConfig holds cold-storage archive parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds ops HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the mutating ops endpoints; empty disables auth.
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogFileConfig enables a rotating log file next to stdout.
type LogFileConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ledger",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ledger-archive",
			ForcePathStyle: true,
		},
		Stream: StreamConfig{
			Input:            "engine.events",
			Group:            "db-workers",
			ProcessedChannel: "engine.events.processed",
			Output:           "engine.events.processed",
			DeadLetter:       "engine.events.dlq",
			IdleThreshold:    duration{60 * time.Second},
			ReadCount:        10,
			Block:            duration{2 * time.Second},
			ReclaimCount:     10,
			MaxDeliveries:    16,
			ErrorBackoff:     duration{time.Second},
			MaxLen:           10000,
		},
		Settlement: SettlementConfig{
			PayoutPerShare: 100,
			Batch:          100,
		},
		Jobs: JobsConfig{
			Activate: JobConfig{Cron: "* * * * *"},
			Close:    JobConfig{Cron: "* * * * *"},
			Settle:   JobConfig{Cron: "* * * * *"},
			Prune:    PruneConfig{Cron: "17 * * * *", Retention: duration{7 * 24 * time.Hour}},
			Batch:    100,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"dead_letter", "job_failed"},
		},
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"consumer": true,
	"jobs":     true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: consumer, jobs, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host must be set")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	s := c.Stream
	for _, f := range []struct{ name, value string }{
		{"input", s.Input},
		{"group", s.Group},
		{"processed_channel", s.ProcessedChannel},
		{"output", s.Output},
		{"dead_letter", s.DeadLetter},
	} {
		if f.value == "" {
			errs = append(errs, "stream: "+f.name+" must not be empty")
		}
	}
	if s.DeadLetter != "" && s.DeadLetter == s.Input {
		errs = append(errs, "stream: dead_letter must differ from input")
	}
	if s.ReadCount <= 0 {
		errs = append(errs, "stream: read_count must be positive")
	}
	if s.Block.Duration <= 0 {
		errs = append(errs, "stream: block must be positive")
	}
	if s.IdleThreshold.Duration <= 0 {
		errs = append(errs, "stream: idle_threshold must be positive")
	}
	if s.MaxDeliveries < 0 {
		errs = append(errs, "stream: max_deliveries must not be negative")
	}

	if c.Settlement.PayoutPerShare <= 0 {
		errs = append(errs, "settlement: payout_per_share must be positive")
	}

	crons := [][2]string{
		{"jobs.activate.cron", c.Jobs.Activate.Cron},
		{"jobs.close.cron", c.Jobs.Close.Cron},
		{"jobs.settle.cron", c.Jobs.Settle.Cron},
		{"jobs.prune.cron", c.Jobs.Prune.Cron},
	}
	if c.Jobs.Prune.Retention.Duration <= s.IdleThreshold.Duration {
		errs = append(errs, "jobs.prune: retention must exceed stream idle_threshold")
	}
	if c.Archive.Enabled {
		crons = append(crons, [2]string{"archive.cron", c.Archive.Cron})
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when archive is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
	}
	for _, cr := range crons {
		if _, err := schedule.Parse(cr[1]); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cr[0], err))
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
