package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

type entry struct {
	job     Job
	sched   Schedule
	trigger chan struct{}
}

// Runner runs each registered job on its own goroutine, so runs of one job
// never overlap within a process.
type Runner struct {
	entries map[string]*entry
	order   []string
	alerts  Alerter
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates an empty Runner. alerts may be nil.
func NewRunner(alerts Alerter, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		entries: make(map[string]*entry),
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     time.Now,
	}
}

// Add registers job on the cron expression expr.
func (r *Runner) Add(job Job, expr string) error {
	name := job.Name()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("schedule: job %q: %w", name, domain.ErrAlreadyExists)
	}
	sched, err := Parse(expr)
	if err != nil {
		return fmt.Errorf("schedule: job %q: %w", name, err)
	}
	r.entries[name] = &entry{job: job, sched: sched, trigger: make(chan struct{}, 1)}
	r.order = append(r.order, name)
	return nil
}

// Jobs returns the registered job names in registration order.
func (r *Runner) Jobs() []string {
	return slices.Clone(r.order)
}

// Trigger requests an immediate run of the named job. Requests made while
// one is already queued are coalesced. It returns domain.ErrUnknownJob for
// an unregistered name.
func (r *Runner) Trigger(name string) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("schedule: %q: %w", name, domain.ErrUnknownJob)
	}
	select {
	case e.trigger <- struct{}{}:
		r.logger.Info("job triggered", slog.String("job", name))
	default:
		r.logger.Debug("job trigger already queued", slog.String("job", name))
	}
	return nil
}

// Run drives every job until ctx is cancelled. Job failures are logged,
// counted and alerted; the next scheduled run retries.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.order {
		e := r.entries[name]
		g.Go(func() error {
			r.loop(ctx, e)
			return nil
		})
	}
	r.logger.InfoContext(ctx, "scheduler started", slog.Any("jobs", r.order))
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, e *entry) {
	name := e.job.Name()
	for {
		next, err := e.sched.Next(r.now())
		if err != nil {
			r.logger.ErrorContext(ctx, "job has no next run, only triggers apply",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			next = r.now().Add(366 * 24 * time.Hour)
		}
		wait := next.Sub(r.now())
		r.logger.DebugContext(ctx, "waiting for next run",
			slog.String("job", name),
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.trigger:
			timer.Stop()
		case <-timer.C:
		}
		r.runOnce(ctx, e.job)
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	name := job.Name()
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	r.metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err == nil {
		r.metrics.JobRuns.WithLabelValues(name, observability.JobOK).Inc()
		r.logger.DebugContext(ctx, "job run complete", slog.String("job", name), slog.Duration("elapsed", elapsed))
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.metrics.JobRuns.WithLabelValues(name, observability.JobError).Inc()
	r.logger.ErrorContext(ctx, "job run failed",
		slog.String("job", name),
		slog.Duration("elapsed", elapsed),
		slog.String("error", err.Error()),
	)
	if r.alerts != nil {
		if aerr := r.alerts.Notify(ctx, notify.EventJobFailed, "Ledger job failed", fmt.Sprintf("%s: %v", name, err)); aerr != nil {
			r.logger.WarnContext(ctx, "job failure alert failed", slog.String("error", aerr.Error()))
		}
	}
}
