package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEDGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are normally injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEDGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.KeyPrefix, "LEDGER_S3_KEY_PREFIX")

	// ── Stream ──
	setStr(&cfg.Stream.Input, "LEDGER_STREAM_INPUT")
	setStr(&cfg.Stream.Group, "LEDGER_STREAM_GROUP")
	setStr(&cfg.Stream.Consumer, "LEDGER_STREAM_CONSUMER")
	setStr(&cfg.Stream.ProcessedChannel, "LEDGER_STREAM_PROCESSED_CHANNEL")
	setStr(&cfg.Stream.Output, "LEDGER_STREAM_OUTPUT")
	setStr(&cfg.Stream.DeadLetter, "LEDGER_STREAM_DEAD_LETTER")
	setDuration(&cfg.Stream.IdleThreshold, "LEDGER_STREAM_IDLE_THRESHOLD")
	setInt64(&cfg.Stream.ReadCount, "LEDGER_STREAM_READ_COUNT")
	setDuration(&cfg.Stream.Block, "LEDGER_STREAM_BLOCK")
	setInt64(&cfg.Stream.ReclaimCount, "LEDGER_STREAM_RECLAIM_COUNT")
	setInt64(&cfg.Stream.MaxDeliveries, "LEDGER_STREAM_MAX_DELIVERIES")
	setDuration(&cfg.Stream.ErrorBackoff, "LEDGER_STREAM_ERROR_BACKOFF")
	setInt64(&cfg.Stream.MaxLen, "LEDGER_STREAM_MAXLEN")

	// ── Settlement and jobs ──
	setInt64(&cfg.Settlement.PayoutPerShare, "LEDGER_SETTLEMENT_PAYOUT_PER_SHARE")
	setBool(&cfg.Settlement.IsolateMarkets, "LEDGER_SETTLEMENT_ISOLATE_MARKETS")
	setInt(&cfg.Settlement.Batch, "LEDGER_SETTLEMENT_BATCH")
	setStr(&cfg.Jobs.Activate.Cron, "LEDGER_JOBS_ACTIVATE_CRON")
	setStr(&cfg.Jobs.Close.Cron, "LEDGER_JOBS_CLOSE_CRON")
	setStr(&cfg.Jobs.Settle.Cron, "LEDGER_JOBS_SETTLE_CRON")
	setStr(&cfg.Jobs.Prune.Cron, "LEDGER_JOBS_PRUNE_CRON")
	setDuration(&cfg.Jobs.Prune.Retention, "LEDGER_JOBS_PRUNE_RETENTION")
	setInt(&cfg.Jobs.Batch, "LEDGER_JOBS_BATCH")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEDGER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "LEDGER_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "LEDGER_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEDGER_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEDGER_NOTIFY_EVENTS")

	// ── Log file ──
	setStr(&cfg.LogFile.Path, "LEDGER_LOG_FILE_PATH")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEDGER_MODE")
	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
