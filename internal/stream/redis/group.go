package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// GroupReader implements domain.EventSource as one named consumer of a
// Redis consumer group.
type GroupReader struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// NewGroupReader creates a reader for consumer in group on stream.
func NewGroupReader(c *Client, stream, group, consumer string) *GroupReader {
	return &GroupReader{
		rdb:      c.Underlying(),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Stream returns the stream key the reader consumes.
func (g *GroupReader) Stream() string { return g.stream }

// EnsureGroup creates the consumer group, and the stream if it does not exist
// yet, starting at the beginning of the stream. An existing group is left
// as it is.
func (g *GroupReader) EnsureGroup(ctx context.Context) error {
	err := g.rdb.XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", g.group, g.stream, err)
	}
	return nil
}

// Read returns up to count entries never delivered to any consumer of the
// group, waiting up to block for the first one. No entries is not an error.
func (g *GroupReader) Read(ctx context.Context, count int64, block time.Duration) ([]domain.StreamEntry, error) {
	res, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read group %s: %w", g.group, err)
	}

	var out []domain.StreamEntry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

// Pending lists up to count entries of the group that have been idle for at
// least minIdle, whichever consumer holds them.
func (g *GroupReader) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]domain.PendingEntry, error) {
	res, err := g.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: g.stream,
		Group:  g.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: pending %s: %w", g.group, err)
	}

	out := make([]domain.PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, domain.PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of the given pending entries to this consumer.
// Entries another consumer touched since they went idle are not claimed.
// Entries trimmed from the stream come back without values.
func (g *GroupReader) Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]domain.StreamEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := g.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   g.stream,
		Group:    g.group,
		Consumer: g.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: claim on %s: %w", g.stream, err)
	}
	return toEntries(msgs), nil
}

// Ack acknowledges the entries so they leave the group's pending list.
func (g *GroupReader) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.rdb.XAck(ctx, g.stream, g.group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: ack on %s: %w", g.stream, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []domain.StreamEntry {
	out := make([]domain.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch t := v.(type) {
			case string:
				values[k] = t
			case []byte:
				values[k] = string(t)
			default:
				values[k] = fmt.Sprint(t)
			}
		}
		out = append(out, domain.StreamEntry{ID: m.ID, Values: values})
	}
	return out
}

// Compile-time interface check.
var _ domain.EventSource = (*GroupReader)(nil)
