package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/event"
	"github.com/alanyoungcy/marketledger/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// journal records the order of side effects across fakes.
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, op)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.ops)
}

type fakeSource struct {
	j        *journal
	fresh    []domain.StreamEntry
	pending  []domain.PendingEntry
	stored   map[string]domain.StreamEntry
	acked    []string
	ensured  int
	readErr  error
	claimIDs []string
}

func (s *fakeSource) EnsureGroup(context.Context) error {
	s.ensured++
	return nil
}

func (s *fakeSource) Read(context.Context, int64, time.Duration) ([]domain.StreamEntry, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := s.fresh
	s.fresh = nil
	return out, nil
}

func (s *fakeSource) Pending(context.Context, time.Duration, int64) ([]domain.PendingEntry, error) {
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakeSource) Claim(_ context.Context, _ time.Duration, ids []string) ([]domain.StreamEntry, error) {
	s.claimIDs = append(s.claimIDs, ids...)
	var out []domain.StreamEntry
	for _, id := range ids {
		out = append(out, s.stored[id])
	}
	return out, nil
}

func (s *fakeSource) Ack(_ context.Context, ids ...string) error {
	for _, id := range ids {
		s.j.add("ack " + id)
	}
	s.acked = append(s.acked, ids...)
	return nil
}

type fakeBus struct {
	j       *journal
	streams map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.j.add("publish " + channel)
	return nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.j.add("append " + stream)
	if b.streams == nil {
		b.streams = make(map[string][][]byte)
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamLatest(context.Context, string, int64) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeApplier struct {
	j   *journal
	err error
	ctx []error
}

func (a *fakeApplier) Apply(ctx context.Context, entryID string, _ event.Event) error {
	a.j.add("apply " + entryID)
	a.ctx = append(a.ctx, ctx.Err())
	return a.err
}

type fakeAlerter struct {
	events []string
}

func (a *fakeAlerter) Notify(_ context.Context, ev, _, _ string) error {
	a.events = append(a.events, ev)
	return nil
}

type harness struct {
	j       *journal
	source  *fakeSource
	bus     *fakeBus
	apply   *fakeApplier
	alerts  *fakeAlerter
	metrics *observability.Metrics
	c       *Consumer
}

func newHarness(t *testing.T, maxDeliveries int64) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:       j,
		source:  &fakeSource{j: j, stored: make(map[string]domain.StreamEntry)},
		bus:     &fakeBus{j: j},
		apply:   &fakeApplier{j: j},
		alerts:  &fakeAlerter{},
		metrics: observability.NewMetrics(nil),
	}
	cfg := Config{
		Stream:           "engine.events",
		ProcessedChannel: "engine.events.processed",
		Output:           "engine.events.out",
		DeadLetter:       "engine.events.dlq",
		IdleThreshold:    time.Minute,
		MaxDeliveries:    maxDeliveries,
		ErrorBackoff:     time.Millisecond,
	}
	h.c = New(cfg, h.source, h.bus, h.apply, h.alerts, h.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.c.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func entry(id, payload string) domain.StreamEntry {
	return domain.StreamEntry{ID: id, Values: map[string]string{event.PayloadField: payload}}
}

const placed = `{"type":"order.placed","order_id":1,"account_id":2,"outcome_id":"9","side":"BUY","quantity":3,"price":40}`

func TestStepAppliesAcksThenPublishes(t *testing.T) {
	h := newHarness(t, 16)
	h.source.fresh = []domain.StreamEntry{entry("1-0", placed)}

	if err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := []string{"apply 1-0", "ack 1-0", "publish engine.events.processed", "append engine.events.out"}
	if got := h.j.list(); !slices.Equal(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if got := string(h.bus.streams["engine.events.out"][0]); got != placed {
		t.Errorf("output payload = %s", got)
	}
	if v := testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues("order.placed", observability.ResultApplied)); v != 1 {
		t.Errorf("applied metric = %v, want 1", v)
	}
}

func TestStepAcksWithoutApplying(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		result string
		label  string
	}{
		{"malformed payload", map[string]string{event.PayloadField: `{"type":`}, observability.ResultMalformed, "unknown"},
		{"unknown type", map[string]string{event.PayloadField: `{"type":"engine.heartbeat"}`}, observability.ResultIgnored, "engine.heartbeat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 16)
			h.source.fresh = []domain.StreamEntry{{ID: "5-0", Values: tt.values}}

			if err := h.c.Step(context.Background()); err != nil {
				t.Fatalf("Step: %v", err)
			}
			if got := h.j.list(); !slices.Equal(got, []string{"ack 5-0"}) {
				t.Fatalf("ops = %v, want only the ack", got)
			}
			if v := testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues(tt.label, tt.result)); v != 1 {
				t.Errorf("%s metric = %v, want 1", tt.result, v)
			}
		})
	}
}

func TestStepLeavesFailedEntryPending(t *testing.T) {
	h := newHarness(t, 16)
	h.apply.err = domain.ErrInsufficientFunds
	h.source.fresh = []domain.StreamEntry{entry("1-0", placed)}

	if err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := h.j.list(); !slices.Equal(got, []string{"apply 1-0"}) {
		t.Fatalf("ops = %v, want apply only", got)
	}
	if len(h.source.acked) != 0 {
		t.Errorf("acked = %v, want none", h.source.acked)
	}
}

func TestRecoverReprocessesStaleEntries(t *testing.T) {
	h := newHarness(t, 16)
	h.source.stored["1-0"] = entry("1-0", placed)
	h.source.pending = []domain.PendingEntry{{ID: "1-0", Consumer: "dead-worker", Idle: 2 * time.Minute, Deliveries: 3}}

	if err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !slices.Equal(h.source.claimIDs, []string{"1-0"}) {
		t.Errorf("claimed = %v", h.source.claimIDs)
	}
	if !slices.Equal(h.source.acked, []string{"1-0"}) {
		t.Errorf("acked = %v", h.source.acked)
	}
	if v := testutil.ToFloat64(h.metrics.Reclaimed); v != 1 {
		t.Errorf("reclaimed metric = %v, want 1", v)
	}
}

func TestRecoverDeadLettersAtDeliveryCap(t *testing.T) {
	h := newHarness(t, 4)
	h.apply.err = errors.New("ledger: lock account 7: not found")
	ctx := context.Background()

	// First delivery fails and the error is remembered.
	h.source.fresh = []domain.StreamEntry{entry("1-0", placed)}
	if err := h.c.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	h.source.stored["1-0"] = entry("1-0", placed)
	h.source.pending = []domain.PendingEntry{{ID: "1-0", Deliveries: 4}}
	if err := h.c.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	dlq := h.bus.streams["engine.events.dlq"]
	if len(dlq) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq))
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal(dlq[0], &dl); err != nil {
		t.Fatalf("unmarshal dead letter: %v", err)
	}
	if dl.EntryID != "1-0" || dl.Deliveries != 4 || dl.Stream != "engine.events" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.LastError != "ledger: lock account 7: not found" {
		t.Errorf("last error = %q", dl.LastError)
	}
	if dl.Values[event.PayloadField] != placed {
		t.Errorf("payload not preserved: %v", dl.Values)
	}
	if !slices.Equal(h.source.acked, []string{"1-0"}) {
		t.Errorf("acked = %v, want the dead-lettered entry", h.source.acked)
	}
	if !slices.Equal(h.alerts.events, []string{"dead_letter"}) {
		t.Errorf("alerts = %v", h.alerts.events)
	}
	if v := testutil.ToFloat64(h.metrics.DeadLettered); v != 1 {
		t.Errorf("dead-lettered metric = %v, want 1", v)
	}
	// The handler saw the first delivery only.
	if n := len(h.apply.ctx); n != 1 {
		t.Errorf("apply calls = %d, want 1", n)
	}
}

func TestRecoverWithoutCapKeepsRetrying(t *testing.T) {
	h := newHarness(t, 0)
	h.source.stored["1-0"] = entry("1-0", placed)
	h.source.pending = []domain.PendingEntry{{ID: "1-0", Deliveries: 500}}

	if err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(h.bus.streams["engine.events.dlq"]) != 0 {
		t.Error("entry dead-lettered with no delivery cap")
	}
	if len(h.apply.ctx) != 1 {
		t.Errorf("apply calls = %d, want 1", len(h.apply.ctx))
	}
}

func TestRecoverAcksTrimmedEntries(t *testing.T) {
	h := newHarness(t, 16)
	h.source.stored["1-0"] = domain.StreamEntry{ID: "1-0"}
	h.source.pending = []domain.PendingEntry{{ID: "1-0", Deliveries: 2}}

	if err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !slices.Equal(h.source.acked, []string{"1-0"}) || len(h.apply.ctx) != 0 {
		t.Errorf("acked = %v, applied = %d", h.source.acked, len(h.apply.ctx))
	}
}

func TestHandlerOutlivesCancellation(t *testing.T) {
	h := newHarness(t, 16)
	h.source.fresh = []domain.StreamEntry{entry("1-0", placed)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.c.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(h.apply.ctx) != 1 || h.apply.ctx[0] != nil {
		t.Fatalf("handler context err = %v, want live context", h.apply.ctx)
	}
	if !slices.Equal(h.source.acked, []string{"1-0"}) {
		t.Errorf("acked = %v", h.source.acked)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 16)
	h.source.readErr = errors.New("connection refused")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := h.c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.source.ensured != 1 {
		t.Errorf("EnsureGroup calls = %d, want 1", h.source.ensured)
	}
}
