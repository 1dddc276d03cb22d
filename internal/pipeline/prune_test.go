package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
	"github.com/alanyoungcy/marketledger/internal/ledger"
	"github.com/alanyoungcy/marketledger/internal/testutil"
)

func TestPruneJobDropsOldEntries(t *testing.T) {
	mem := testutil.NewMemLedger()
	mem.PutAccount(domain.Account{ID: 10})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := ledger.NewHandlers(mem, logger)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	mem.Now = func() time.Time { return clock }
	placed := func(id int64) event.OrderPlaced {
		return event.OrderPlaced{OrderID: id, AccountID: 10, OutcomeID: "yes", Side: domain.OrderSideSell, Quantity: 1}
	}
	if err := h.Apply(ctx, "1-0", placed(1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	clock = start.Add(48 * time.Hour)
	if err := h.Apply(ctx, "2-0", placed(2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	j := NewPruneJob(mem, 24*time.Hour, logger)
	j.now = func() time.Time { return start.Add(49 * time.Hour) }
	if err := j.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := mem.ProcessedEntries(); n != 1 {
		t.Errorf("processed entries = %d, want 1", n)
	}

	// The recent entry still deduplicates.
	if err := h.Apply(ctx, "2-0", placed(3)); err != nil {
		t.Fatalf("Apply replay: %v", err)
	}
	if _, ok := mem.Order(3); ok {
		t.Error("replayed entry applied after prune")
	}
	if j.Name() != NamePrune {
		t.Errorf("name = %s", j.Name())
	}
}

type failingPruner struct{ err error }

func (f failingPruner) PruneProcessedEntries(context.Context, time.Time) (int64, error) {
	return 0, f.err
}

func TestPruneJobReportsFailure(t *testing.T) {
	boom := errors.New("conn refused")
	j := NewPruneJob(failingPruner{boom}, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := j.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if j.retention != DefaultPruneRetention {
		t.Errorf("retention = %v", j.retention)
	}
}
