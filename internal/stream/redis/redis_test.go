package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/google/uuid"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, ReadTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGroupReaderLifecycle(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()
	stream := "test.events." + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	first := NewGroupReader(c, stream, "workers", "a")
	second := NewGroupReader(c, stream, "workers", "b")
	if err := first.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := second.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup on existing group: %v", err)
	}

	bus := NewSignalBus(c, 100)
	if err := bus.StreamAppend(ctx, stream, []byte(`{"type":"order.placed"}`)); err != nil {
		t.Fatalf("StreamAppend: %v", err)
	}

	entries, err := first.Read(ctx, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["payload"] != `{"type":"order.placed"}` {
		t.Fatalf("entries = %+v", entries)
	}

	// Nothing new for the second consumer; the entry is pending on the first.
	if more, err := second.Read(ctx, 10, 50*time.Millisecond); err != nil || len(more) != 0 {
		t.Fatalf("second Read = %v, %v", more, err)
	}

	pending, err := second.Pending(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "a" || pending[0].Deliveries != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	claimed, err := second.Claim(ctx, 0, []string{pending[0].ID})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != entries[0].ID {
		t.Fatalf("claimed = %+v", claimed)
	}

	if err := second.Ack(ctx, claimed[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if left, _ := second.Pending(ctx, 0, 10); len(left) != 0 {
		t.Fatalf("pending after ack = %+v", left)
	}
}

func TestStreamLatestNewestFirst(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()
	stream := "test.dlq." + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })

	bus := NewSignalBus(c, 0)
	for _, p := range []string{"one", "two", "three"} {
		if err := bus.StreamAppend(ctx, stream, []byte(p)); err != nil {
			t.Fatalf("StreamAppend: %v", err)
		}
	}
	msgs, err := bus.StreamLatest(ctx, stream, 2)
	if err != nil {
		t.Fatalf("StreamLatest: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Payload) != "three" || string(msgs[1].Payload) != "two" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestLockManager(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	key := "test-" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, key, 5*time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := lm.AcquireWait(waitCtx, key, 5*time.Second, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AcquireWait err = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()
	again, err := lm.AcquireWait(ctx, key, 5*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWait after unlock: %v", err)
	}
	again()
}
