// Package consumer reads matching-engine events from the input stream as one
// member of a consumer group, applies them to the ledger and acknowledges
// them once committed. Entries left pending by a crashed or slow consumer
// are reclaimed after an idle threshold; entries that keep failing are moved
// to a dead-letter stream.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/observability"
)

// maxTrackedErrors bounds the last-error memory kept for dead letters.
const maxTrackedErrors = 4096

// Applier applies one decoded event. entryID identifies the stream entry.
type Applier interface {
	Apply(ctx context.Context, entryID string, ev event.Event) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the consumer loop.
type Config struct {
	// Stream is the input stream name, recorded on dead letters.
	Stream           string
	ProcessedChannel string
	Output           string
	DeadLetter       string

	ReadCount     int64
	Block         time.Duration
	IdleThreshold time.Duration
	ReclaimCount  int64
	// MaxDeliveries caps how often an entry is delivered before it is
	// dead-lettered. Zero means no cap.
	MaxDeliveries int64
	// ErrorBackoff is the pause after a failed iteration.
	ErrorBackoff time.Duration
}

// Consumer is the event consumer loop.
type Consumer struct {
	cfg     Config
	source  domain.EventSource
	bus     domain.SignalBus
	apply   Applier
	alerts  Alerter
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastErr map[string]string
}

// New creates a Consumer. alerts may be nil.
func New(cfg Config, source domain.EventSource, bus domain.SignalBus, apply Applier, alerts Alerter, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ReclaimCount <= 0 {
		cfg.ReclaimCount = cfg.ReadCount
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Consumer{
		cfg:     cfg,
		source:  source,
		bus:     bus,
		apply:   apply,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "consumer")),
		now:     time.Now,
		lastErr: make(map[string]string),
	}
}

// Run ensures the consumer group exists and loops until ctx is cancelled.
// Cancellation is observed between iterations; an entry already being
// applied is finished and acknowledged first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.source.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("consumer: ensure group: %w", err)
	}
	c.logger.InfoContext(ctx, "consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.Int64("max_deliveries", c.cfg.MaxDeliveries),
	)

	for {
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "consumer stopped")
			return nil
		}
		if err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.ErrorContext(ctx, "consumer iteration failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
		}
	}
}

// Step runs one iteration: recover stale entries, then read and apply new
// ones.
func (c *Consumer) Step(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil {
		return err
	}

	entries, err := c.source.Read(ctx, c.cfg.ReadCount, c.cfg.Block)
	if err != nil {
		return fmt.Errorf("consumer: read: %w", err)
	}
	for _, e := range entries {
		c.process(ctx, e)
	}
	return nil
}

// Recover claims pending entries idle for at least the idle threshold and
// processes them like fresh ones. Entries at the delivery cap are
// dead-lettered instead.
func (c *Consumer) Recover(ctx context.Context) error {
	pending, err := c.source.Pending(ctx, c.cfg.IdleThreshold, c.cfg.ReclaimCount)
	if err != nil {
		return fmt.Errorf("consumer: pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.Deliveries
	}

	claimed, err := c.source.Claim(ctx, c.cfg.IdleThreshold, ids)
	if err != nil {
		return fmt.Errorf("consumer: claim: %w", err)
	}
	if len(claimed) > 0 {
		c.metrics.Reclaimed.Add(float64(len(claimed)))
		c.logger.InfoContext(ctx, "reclaimed stale entries", slog.Int("count", len(claimed)))
	}

	for _, e := range claimed {
		if len(e.Values) == 0 {
			// Trimmed from the stream while pending.
			c.logger.WarnContext(ctx, "reclaimed entry has no data, acking", slog.String("entry_id", e.ID))
			c.ack(ctx, e.ID)
			continue
		}
		if n := deliveries[e.ID]; c.cfg.MaxDeliveries > 0 && n >= c.cfg.MaxDeliveries {
			if err := c.deadLetter(ctx, e, n); err != nil {
				return err
			}
			continue
		}
		c.process(ctx, e)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, e domain.StreamEntry) {
	ev, payload, err := event.Decode(e.Values)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping malformed entry",
			slog.String("entry_id", e.ID),
			slog.String("error", err.Error()),
		)
		c.metrics.EventsTotal.WithLabelValues("unknown", observability.ResultMalformed).Inc()
		c.ack(ctx, e.ID)
		return
	}
	kind := string(ev.Kind())

	if _, ok := ev.(event.Unknown); ok {
		c.logger.InfoContext(ctx, "ignoring unhandled event type",
			slog.String("entry_id", e.ID),
			slog.String("type", kind),
		)
		c.metrics.EventsTotal.WithLabelValues(kind, observability.ResultIgnored).Inc()
		c.ack(ctx, e.ID)
		return
	}

	// The handler runs to completion even when shutdown begins mid-entry.
	hctx := context.WithoutCancel(ctx)
	start := time.Now()
	err = c.apply.Apply(hctx, e.ID, ev)
	c.metrics.HandlerDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.EventsTotal.WithLabelValues(kind, observability.ResultFailed).Inc()
		c.rememberError(e.ID, err)
		c.logger.ErrorContext(ctx, "handler failed, entry left pending",
			slog.String("entry_id", e.ID),
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	c.metrics.EventsTotal.WithLabelValues(kind, observability.ResultApplied).Inc()

	c.ack(hctx, e.ID)
	c.forgetError(e.ID)

	if err := c.bus.Publish(hctx, c.cfg.ProcessedChannel, payload); err != nil {
		c.metrics.PublishErrors.WithLabelValues("channel").Inc()
		c.logger.WarnContext(ctx, "processed notification failed", slog.String("error", err.Error()))
	}
	if err := c.bus.StreamAppend(hctx, c.cfg.Output, payload); err != nil {
		c.metrics.PublishErrors.WithLabelValues("stream").Inc()
		c.logger.WarnContext(ctx, "output stream append failed", slog.String("error", err.Error()))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, e domain.StreamEntry, deliveries int64) error {
	dl := domain.DeadLetter{
		EntryID:    e.ID,
		Stream:     c.cfg.Stream,
		Deliveries: deliveries,
		LastError:  c.takeError(e.ID),
		Values:     e.Values,
		FailedAt:   c.now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("consumer: marshal dead letter %s: %w", e.ID, err)
	}
	if err := c.bus.StreamAppend(ctx, c.cfg.DeadLetter, data); err != nil {
		return fmt.Errorf("consumer: dead letter %s: %w", e.ID, err)
	}
	c.ack(ctx, e.ID)
	c.metrics.DeadLettered.Inc()

	c.logger.ErrorContext(ctx, "entry dead-lettered",
		slog.String("entry_id", e.ID),
		slog.Int64("deliveries", deliveries),
		slog.String("last_error", dl.LastError),
	)
	if c.alerts != nil {
		msg := fmt.Sprintf("entry %s on %s failed %d deliveries\n%s", e.ID, c.cfg.Stream, deliveries, dl.LastError)
		if err := c.alerts.Notify(ctx, notify.EventDeadLetter, "Ledger event dead-lettered", msg); err != nil {
			c.logger.WarnContext(ctx, "dead letter alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// ack failures are logged only: the entry is redelivered later and the
// ledger skips it as already applied.
func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.source.Ack(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "ack failed",
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) rememberError(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastErr) >= maxTrackedErrors {
		clear(c.lastErr)
	}
	c.lastErr[id] = err.Error()
}

func (c *Consumer) forgetError(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastErr, id)
}

func (c *Consumer) takeError(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.lastErr[id]
	if !ok {
		return "unknown: failed on another consumer"
	}
	delete(c.lastErr, id)
	return msg
}

