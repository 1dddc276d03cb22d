package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketledger/internal/consumer"
	"github.com/alanyoungcy/marketledger/internal/jobs"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/pipeline"
	"github.com/alanyoungcy/marketledger/internal/schedule"
	"github.com/alanyoungcy/marketledger/internal/server"
	"github.com/alanyoungcy/marketledger/internal/server/handler"
)

const shutdownTimeout = 10 * time.Second

// ConsumerMode runs the event consumer and, when enabled, the ops server.
func (a *App) ConsumerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting consumer mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startConsumer(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// JobsMode runs the scheduled market jobs and, when enabled, the ops server.
func (a *App) JobsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting jobs mode")

	runner, err := a.newScheduler(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, runner)
	return g.Wait()
}

// FullMode runs the consumer, the scheduled jobs and the ops server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	runner, err := a.newScheduler(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startConsumer(ctx, g, deps)
	g.Go(func() error { return runner.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, runner)
	return g.Wait()
}

func (a *App) startConsumer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	s := a.cfg.Stream
	cfg := consumer.Config{
		Stream:           s.Input,
		ProcessedChannel: s.ProcessedChannel,
		Output:           s.Output,
		DeadLetter:       s.DeadLetter,
		ReadCount:        s.ReadCount,
		Block:            s.Block.Duration,
		IdleThreshold:    s.IdleThreshold.Duration,
		ReclaimCount:     s.ReclaimCount,
		MaxDeliveries:    s.MaxDeliveries,
		ErrorBackoff:     s.ErrorBackoff.Duration,
	}
	handlers := ledger.NewHandlers(deps.Ledger, a.logger)
	c := consumer.New(cfg, deps.Source, deps.SignalBus, handlers, deps.Notifier, deps.Metrics, a.logger)
	g.Go(func() error { return c.Run(ctx) })
}

// newScheduler registers the market lifecycle jobs, the processed-entry
// prune job and, when enabled, the archive job.
func (a *App) newScheduler(deps *Dependencies) (*schedule.Runner, error) {
	runner := schedule.NewRunner(deps.Notifier, deps.Metrics, a.logger)

	batch := a.cfg.Jobs.Batch
	settleBatch := a.cfg.Settlement.Batch
	if settleBatch <= 0 {
		settleBatch = batch
	}
	type scheduled struct {
		job  schedule.Job
		cron string
	}
	entries := []scheduled{
		{jobs.NewActivator(deps.Ledger, batch, deps.AuditStore, deps.Metrics, a.logger), a.cfg.Jobs.Activate.Cron},
		{jobs.NewCloser(deps.Ledger, batch, deps.AuditStore, deps.Metrics, a.logger), a.cfg.Jobs.Close.Cron},
		{jobs.NewSettler(deps.Ledger, jobs.SettlerConfig{
			Batch:          settleBatch,
			PayoutPerShare: a.cfg.Settlement.PayoutPerShare,
			IsolateMarkets: a.cfg.Settlement.IsolateMarkets,
		}, deps.AuditStore, deps.Notifier, deps.Metrics, a.logger), a.cfg.Jobs.Settle.Cron},
		{pipeline.NewPruneJob(deps.Pruner, a.cfg.Jobs.Prune.Retention.Duration, a.logger), a.cfg.Jobs.Prune.Cron},
	}
	if deps.Archiver != nil {
		entries = append(entries, scheduled{
			pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger),
			a.cfg.Archive.Cron,
		})
	}

	for _, e := range entries {
		if err := runner.Add(e.job, e.cron); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	return runner, nil
}

// startHTTPServer starts the ops server when enabled. runner may be nil, in
// which case job triggers answer 503.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, runner *schedule.Runner) {
	if !a.cfg.Server.Enabled {
		return
	}

	var trigger handler.JobTrigger
	if runner != nil {
		trigger = runner
	}
	pingers := map[string]handler.Pinger{
		"postgres": deps.Postgres,
		"redis":    deps.Redis,
	}
	if deps.S3 != nil {
		pingers["s3"] = pingFunc(deps.S3.Health)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(pingers, a.logger),
		Ledger:  handler.NewLedgerHandler(deps.Reads, deps.Reads, a.logger),
		Ops:     handler.NewOpsHandler(deps.SignalBus, a.cfg.Stream.DeadLetter, trigger, a.logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down", slog.Int("port", a.cfg.Server.Port))
		return srv.Shutdown(shutCtx)
	})
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
