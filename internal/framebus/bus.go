// Package framebus implements the bounded, ordered, group-consumable
// per-camera frame buffer on Redis Streams. Tail-drop from the head keeps
// each stream under MAXLEN; unacked entries stay claimable for crash
// recovery (XAUTOCLAIM).
package framebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrPublishFailed = errors.New("frame bus publish failed")

// Bus wraps one Redis connection shared by all per-camera streams.
type Bus struct {
	client *redis.Client
	maxLen int64
}

// New connects to the backing store. url uses the redis:// scheme.
func New(url string, maxLen int) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse frame bus url: %w", err)
	}
	return &Bus{client: redis.NewClient(opts), maxLen: int64(maxLen)}, nil
}

// NewWithClient is used by tests (miniredis) and tools that already hold a client.
func NewWithClient(client *redis.Client, maxLen int) *Bus {
	return &Bus{client: client, maxLen: int64(maxLen)}
}

// StreamKey returns the per-camera stream key.
func StreamKey(cameraID string) string {
	return "frames:" + cameraID
}

// CameraFromKey inverts StreamKey.
func CameraFromKey(stream string) string {
	return strings.TrimPrefix(stream, "frames:")
}

// Ping verifies the backing store is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish appends a frame to its camera stream, trimming approximately to
// MAXLEN (oldest entries dropped first). Never blocks for capacity. On store
// failure the frame is lost by design; the caller counts the drop.
func (b *Bus) Publish(ctx context.Context, f *Frame) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(f.CameraID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: f.fields(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on a camera stream, creating the
// stream if it does not exist yet. Safe to call repeatedly.
func (b *Bus) EnsureGroup(ctx context.Context, group string, cameraIDs ...string) error {
	for _, cam := range cameraIDs {
		err := b.client.XGroupCreateMkStream(ctx, StreamKey(cam), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, cam, err)
		}
	}
	return nil
}

// Consume reads at most count new entries across the requested cameras,
// blocking up to block for the first entry. Within a group each entry is
// delivered to exactly one consumer. Returns no error on block timeout.
func (b *Bus) Consume(ctx context.Context, group, consumer string, cameraIDs []string, count int64, block time.Duration) ([]Entry, error) {
	streams := make([]string, 0, len(cameraIDs)*2)
	for _, cam := range cameraIDs {
		streams = append(streams, StreamKey(cam))
	}
	for range cameraIDs {
		streams = append(streams, ">")
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timeout, nothing to read
		}
		return nil, fmt.Errorf("frame bus consume: %w", err)
	}
	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			e, err := entryFromMessage(stream.Stream, msg)
			if err != nil {
				// Malformed entry: ack it away so it cannot wedge the group.
				b.client.XAck(ctx, stream.Stream, group, msg.ID)
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Ack marks entries processed; the bus is then free to discard them.
func (b *Bus) Ack(ctx context.Context, group, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

// Reclaim reassigns entries whose owner has been idle at least minIdle to
// this consumer. Called at worker startup to take over abandoned frames.
func (b *Bus) Reclaim(ctx context.Context, group, consumer, cameraID string, minIdle time.Duration) ([]Entry, error) {
	var entries []Entry
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamKey(cameraID),
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return entries, fmt.Errorf("frame bus reclaim %s: %w", cameraID, err)
		}
		for _, msg := range msgs {
			e, err := entryFromMessage(StreamKey(cameraID), msg)
			if err != nil {
				b.client.XAck(ctx, StreamKey(cameraID), group, msg.ID)
				continue
			}
			entries = append(entries, e)
		}
		if next == "0-0" || len(msgs) == 0 {
			return entries, nil
		}
		start = next
	}
}

// Length returns the current number of entries on a camera stream.
func (b *Bus) Length(ctx context.Context, cameraID string) (int64, error) {
	return b.client.XLen(ctx, StreamKey(cameraID)).Result()
}

// FillRatio returns length / MAXLEN for the sampler's backpressure input.
func (b *Bus) FillRatio(ctx context.Context, cameraID string) (float64, error) {
	n, err := b.Length(ctx, cameraID)
	if err != nil {
		return 0, err
	}
	return float64(n) / float64(b.maxLen), nil
}

// SaveCheckpoint persists opaque per-camera state (tracker Kalman state) in
// the bus backing store, keyed tracker:{camera_id}.
func (b *Bus) SaveCheckpoint(ctx context.Context, cameraID string, data []byte) error {
	return b.client.Set(ctx, "tracker:"+cameraID, data, 0).Err()
}

// LoadCheckpoint returns the last saved state for a camera, or nil when none.
func (b *Bus) LoadCheckpoint(ctx context.Context, cameraID string) ([]byte, error) {
	data, err := b.client.Get(ctx, "tracker:"+cameraID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}
