package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/marketledger/internal/blob/s3"
	"github.com/alanyoungcy/marketledger/internal/config"
	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/observability"
	"github.com/alanyoungcy/marketledger/internal/store/postgres"
	redisstream "github.com/alanyoungcy/marketledger/internal/stream/redis"
)

const (
	migrationLockKey  = "migrations"
	migrationLockTTL  = 5 * time.Minute
	migrationLockPoll = time.Second
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redisstream.Client

	// Stores
	Ledger     domain.Ledger
	Pruner     domain.EntryPruner
	Reads      *postgres.ReadStore
	AuditStore domain.AuditStore

	// Stream transport
	Source    domain.EventSource
	SignalBus domain.SignalBus
	Locks     *redisstream.LockManager

	// Archiver is nil unless the archive is enabled.
	Archiver domain.Archiver
	S3       *s3blob.Client

	Notifier *notify.Notifier
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = observability.NewMetrics(deps.Registry)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	// --- Redis ---
	redisClient, err := redisstream.New(ctx, redisstream.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		TLSEnabled:  cfg.Redis.TLSEnabled,
		ReadTimeout: cfg.Stream.Block.Duration + 3*time.Second,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient
	deps.Locks = redisstream.NewLockManager(redisClient)

	if cfg.Postgres.RunMigrations {
		if err := migrate(ctx, pgClient, deps.Locks, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	pool := pgClient.Pool()
	ledgerStore := postgres.NewLedgerStore(pool)
	deps.Ledger = ledgerStore
	deps.Pruner = ledgerStore
	deps.Reads = postgres.NewReadStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	consumerName := cfg.Stream.Consumer
	if consumerName == "" {
		consumerName = defaultConsumerName()
	}
	deps.Source = redisstream.NewGroupReader(redisClient, cfg.Stream.Input, cfg.Stream.Group, consumerName)
	deps.SignalBus = redisstream.NewSignalBus(redisClient, cfg.Stream.MaxLen)

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			KeyPrefix:      cfg.S3.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.Reads, deps.AuditStore, deps.Metrics, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("consumer", consumerName),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

// migrate applies pending migrations while holding the migration lock, so
// replicas starting together do not race on the schema.
func migrate(ctx context.Context, pg *postgres.Client, locks *redisstream.LockManager, logger *slog.Logger) error {
	unlock, err := locks.AcquireWait(ctx, migrationLockKey, migrationLockTTL, migrationLockPoll)
	if err != nil {
		return fmt.Errorf("wire: migration lock: %w", err)
	}
	defer unlock()

	applied, err := pg.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("wire: postgres migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
	}
	return nil
}

// defaultConsumerName derives a group member name unique to this process.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ledgerd"
	}
	return host + "-" + uuid.NewString()[:8]
}
