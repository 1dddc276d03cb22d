package jobs

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/observability"
	"github.com/alanyoungcy/marketledger/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type recordingAlerter struct {
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, ev, _, _ string) error {
	a.events = append(a.events, ev)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func market(id int64, status domain.MarketStatus, start, end time.Time) domain.Market {
	return domain.Market{ID: id, Title: "m", Status: status, BettingStartAt: start, BettingEndAt: end}
}

func TestActivatorOpensDueDraftMarkets(t *testing.T) {
	mem := testutil.NewMemLedger()
	mem.PutMarket(market(1, domain.MarketStatusDraft, t0.Add(-2*time.Hour), t0.Add(time.Hour)))
	mem.PutMarket(market(2, domain.MarketStatusDraft, t0, t0.Add(time.Hour)))
	mem.PutMarket(market(3, domain.MarketStatusDraft, t0.Add(time.Minute), t0.Add(time.Hour)))
	mem.PutMarket(market(4, domain.MarketStatusCancelled, t0.Add(-time.Hour), t0.Add(time.Hour)))

	audit := &recordingAuditor{}
	a := NewActivator(mem, 10, audit, observability.NewMetrics(nil), discard())
	a.now = func() time.Time { return t0 }

	ids, err := a.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !slices.Equal(ids, []int64{1, 2}) {
		t.Errorf("opened = %v, want [1 2]", ids)
	}
	want := map[int64]domain.MarketStatus{
		1: domain.MarketStatusOpen,
		2: domain.MarketStatusOpen,
		3: domain.MarketStatusDraft,
		4: domain.MarketStatusCancelled,
	}
	for id, status := range want {
		if got := mem.Market(id).Status; got != status {
			t.Errorf("market %d = %s, want %s", id, got, status)
		}
	}

	// Nothing left to do: no audit entry for an empty run.
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !slices.Equal(audit.events, []string{"markets.opened"}) {
		t.Errorf("audit = %v", audit.events)
	}
}

func TestActivatorRespectsBatchOrder(t *testing.T) {
	mem := testutil.NewMemLedger()
	mem.PutMarket(market(7, domain.MarketStatusDraft, t0.Add(-time.Minute), t0.Add(time.Hour)))
	mem.PutMarket(market(8, domain.MarketStatusDraft, t0.Add(-time.Hour), t0.Add(time.Hour)))

	a := NewActivator(mem, 1, nil, observability.NewMetrics(nil), discard())
	a.now = func() time.Time { return t0 }

	ids, err := a.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !slices.Equal(ids, []int64{8}) {
		t.Errorf("opened = %v, want the earliest start [8]", ids)
	}
}

func TestOverlappingActivationsSplitTheBatch(t *testing.T) {
	mem := testutil.NewMemLedger()
	for id := int64(1); id <= 4; id++ {
		mem.PutMarket(market(id, domain.MarketStatusDraft, t0.Add(-time.Duration(id)*time.Minute), t0.Add(time.Hour)))
	}
	metrics := observability.NewMetrics(nil)
	first := NewActivator(mem, 2, nil, metrics, discard())
	second := NewActivator(mem, 4, nil, metrics, discard())
	first.now = func() time.Time { return t0 }
	second.now = first.now

	var (
		nested    atomic.Bool
		secondIDs []int64
		secondErr error
	)
	mem.AfterLock = func([]int64) {
		if nested.Swap(true) {
			return
		}
		// Runs while the first transaction holds its row locks.
		secondIDs, secondErr = second.Open(context.Background())
	}

	firstIDs, err := first.Open(context.Background())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if secondErr != nil {
		t.Fatalf("second: %v", secondErr)
	}

	all := append(slices.Clone(firstIDs), secondIDs...)
	slices.Sort(all)
	if !slices.Equal(all, []int64{1, 2, 3, 4}) {
		t.Fatalf("first %v + second %v, want each market exactly once", firstIDs, secondIDs)
	}
	if v := promtest.ToFloat64(metrics.MarketsTransitioned.WithLabelValues(NameActivate)); v != 4 {
		t.Errorf("transitions = %v, want 4", v)
	}
}

func TestCloserClosesEndedMarkets(t *testing.T) {
	mem := testutil.NewMemLedger()
	mem.PutMarket(market(1, domain.MarketStatusOpen, t0.Add(-2*time.Hour), t0.Add(-time.Second)))
	mem.PutMarket(market(2, domain.MarketStatusOpen, t0.Add(-2*time.Hour), t0.Add(time.Hour)))
	mem.PutMarket(market(3, domain.MarketStatusDraft, t0.Add(-2*time.Hour), t0.Add(-time.Hour)))

	audit := &recordingAuditor{}
	c := NewCloser(mem, 0, audit, observability.NewMetrics(nil), discard())
	c.now = func() time.Time { return t0 }
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := mem.Market(1).Status; got != domain.MarketStatusClosed {
		t.Errorf("market 1 = %s, want CLOSED", got)
	}
	if got := mem.Market(2).Status; got != domain.MarketStatusOpen {
		t.Errorf("market 2 = %s, want OPEN", got)
	}
	if got := mem.Market(3).Status; got != domain.MarketStatusDraft {
		t.Errorf("market 3 = %s, want DRAFT", got)
	}
	if !slices.Equal(audit.events, []string{"markets.closed"}) {
		t.Errorf("audit = %v", audit.events)
	}
	if c.Name() != NameClose {
		t.Errorf("name = %s", c.Name())
	}
}
