package domain

import (
	"context"
	"time"
)

// StreamEntry is one entry read from the input stream through the consumer
// group. Values holds the raw field/value pairs of the entry.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes an entry delivered to some consumer but not yet
// acknowledged.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// EventSource is a consumer-group reader over the input stream.
type EventSource interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64, block time.Duration) ([]StreamEntry, error)
	Pending(ctx context.Context, minIdle time.Duration, count int64) ([]PendingEntry, error)
	Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]StreamEntry, error)
	Ack(ctx context.Context, ids ...string) error
}

// StreamMessage is a payload-bearing entry of an auxiliary stream.
type StreamMessage struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// SignalBus provides pub/sub notifications and append-only streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamLatest(ctx context.Context, stream string, count int64) ([]StreamMessage, error)
}

// DeadLetter is what the consumer writes to the dead-letter stream for an
// entry that exceeded its delivery budget.
type DeadLetter struct {
	EntryID    string            `json:"entry_id"`
	Stream     string            `json:"stream"`
	Deliveries int64             `json:"deliveries"`
	LastError  string            `json:"last_error,omitempty"`
	Values     map[string]string `json:"values"`
	FailedAt   time.Time         `json:"failed_at"`
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
