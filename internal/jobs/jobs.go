// Package jobs holds the scheduled market lifecycle jobs. Each run selects
// its markets with skip-locked row locks inside one transaction, so
// overlapping runs in any number of processes split the work instead of
// repeating it.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/observability"
)

// Job names, as used in config sections and trigger routes.
const (
	NameActivate = "activate"
	NameClose    = "close"
	NameSettle   = "settle"
)

// DefaultBatch is the selection size when none is configured.
const DefaultBatch = 100

// Auditor records job results.
type Auditor interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// lockFunc selects and locks up to limit markets due for a transition.
type lockFunc func(ctx context.Context, tx domain.LedgerTx, now time.Time, limit int) ([]domain.Market, error)

// transitioner moves due markets to a new status in one transaction.
type transitioner struct {
	name       string
	auditEvent string
	to         domain.MarketStatus
	lock       lockFunc

	ledger  domain.Ledger
	batch   int
	audit   Auditor
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newTransitioner(name, auditEvent string, to domain.MarketStatus, lock lockFunc, ledger domain.Ledger, batch int, audit Auditor, metrics *observability.Metrics, logger *slog.Logger) transitioner {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return transitioner{
		name:       name,
		auditEvent: auditEvent,
		to:         to,
		lock:       lock,
		ledger:     ledger,
		batch:      batch,
		audit:      audit,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "job"), slog.String("job", name)),
		now:        time.Now,
	}
}

// run returns the ids of the markets it moved.
func (t *transitioner) run(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := t.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		ids = nil
		markets, err := t.lock(ctx, tx, t.now(), t.batch)
		if err != nil {
			return err
		}
		if len(markets) == 0 {
			return nil
		}
		for _, m := range markets {
			ids = append(ids, m.ID)
		}
		return tx.SetMarketStatus(ctx, ids, t.to)
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: %s: %w", t.name, err)
	}
	if len(ids) == 0 {
		t.logger.DebugContext(ctx, "no markets due")
		return nil, nil
	}

	t.metrics.MarketsTransitioned.WithLabelValues(t.name).Add(float64(len(ids)))
	t.logger.InfoContext(ctx, "markets transitioned",
		slog.String("status", string(t.to)),
		slog.Any("market_ids", ids),
	)
	if t.audit != nil {
		if err := t.audit.Log(ctx, t.auditEvent, map[string]any{"market_ids": ids, "count": len(ids)}); err != nil {
			t.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return ids, nil
}

// Activator opens DRAFT markets whose betting window has started.
type Activator struct {
	transitioner
}

// NewActivator creates an Activator selecting up to batch markets per run.
// audit may be nil.
func NewActivator(ledger domain.Ledger, batch int, audit Auditor, metrics *observability.Metrics, logger *slog.Logger) *Activator {
	lock := func(ctx context.Context, tx domain.LedgerTx, now time.Time, limit int) ([]domain.Market, error) {
		return tx.LockMarketsToOpen(ctx, now, limit)
	}
	return &Activator{newTransitioner(NameActivate, "markets.opened", domain.MarketStatusOpen, lock, ledger, batch, audit, metrics, logger)}
}

// Name returns the job name.
func (a *Activator) Name() string { return a.name }

// Run opens one batch of due markets. An empty selection is a no-op.
func (a *Activator) Run(ctx context.Context) error {
	_, err := a.run(ctx)
	return err
}

// Open is Run, returning the ids of the opened markets.
func (a *Activator) Open(ctx context.Context) ([]int64, error) {
	return a.run(ctx)
}

// Closer closes OPEN markets whose betting window has ended, making them
// eligible for settlement.
type Closer struct {
	transitioner
}

// NewCloser creates a Closer selecting up to batch markets per run. audit
// may be nil.
func NewCloser(ledger domain.Ledger, batch int, audit Auditor, metrics *observability.Metrics, logger *slog.Logger) *Closer {
	lock := func(ctx context.Context, tx domain.LedgerTx, now time.Time, limit int) ([]domain.Market, error) {
		return tx.LockMarketsToClose(ctx, now, limit)
	}
	return &Closer{newTransitioner(NameClose, "markets.closed", domain.MarketStatusClosed, lock, ledger, batch, audit, metrics, logger)}
}

// Name returns the job name.
func (c *Closer) Name() string { return c.name }

// Run closes one batch of due markets.
func (c *Closer) Run(ctx context.Context) error {
	_, err := c.run(ctx)
	return err
}
