// Package queue implements the telemetry queue as Redis Streams:
// at-least-once delivery, consumer-group semantics, per-message ack, and
// a deadletter stream for messages that exceed their retry budget, built
// on XADD/XREADGROUP/XACK/XCLAIM/XPENDING.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/governor/pkg/usage"
)

const (
	// StreamName is the main telemetry stream TelemetryMessages are
	// produced to and consumed from.
	StreamName = "governor:telemetry"

	// DeadletterStreamName holds messages that exceeded MaxRetries.
	DeadletterStreamName = "governor:telemetry:deadletter"

	fieldPayload = "payload"
	fieldRetries = "retries"
)

// Message pairs a decoded TelemetryMessage with the stream entry ID
// needed to ack or retry it.
type Message struct {
	ID      string
	Payload usage.Message
	Retries int
}

// Producer appends TelemetryMessages to the stream.
type Producer struct {
	rdb    *redis.Client
	stream string
}

// NewProducer creates a Producer writing to StreamName.
func NewProducer(rdb *redis.Client) *Producer {
	return &Producer{rdb: rdb, stream: StreamName}
}

// Publish appends msg to the stream with an initial retry count of 0.
func (p *Producer) Publish(ctx context.Context, msg usage.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshaling telemetry message: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{fieldPayload: body, fieldRetries: 0},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: publishing telemetry message: %w", err)
	}
	return nil
}

// Consumer reads TelemetryMessages from the stream via a consumer group,
// with automatic retry-then-deadletter semantics on repeated Nack.
type Consumer struct {
	rdb          *redis.Client
	stream       string
	group        string
	consumer     string
	maxRetries   int
	claimMinIdle time.Duration
	logger       *slog.Logger
}

// Config controls Consumer behavior.
type Config struct {
	Group        string
	ConsumerName string
	MaxRetries   int
	ClaimMinIdle time.Duration
}

// NewConsumer creates a Consumer and ensures the consumer group exists
// (idempotent — BUSYGROUP is swallowed).
func NewConsumer(ctx context.Context, rdb *redis.Client, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}

	err := rdb.XGroupCreateMkStream(ctx, StreamName, cfg.Group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
		return nil, fmt.Errorf("queue: creating consumer group %q: %w", cfg.Group, err)
	}

	return &Consumer{
		rdb:          rdb,
		stream:       StreamName,
		group:        cfg.Group,
		consumer:     cfg.ConsumerName,
		maxRetries:   cfg.MaxRetries,
		claimMinIdle: cfg.ClaimMinIdle,
		logger:       logger,
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ReadBatch blocks up to block for up to count new messages, claiming any
// pending entries idle longer than claimMinIdle first so crashed
// consumers' work gets redelivered.
func (c *Consumer) ReadBatch(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	if msgs, err := c.claimStale(ctx, count); err != nil {
		c.logger.Warn("claiming stale pending entries", "error", err)
	} else if len(msgs) > 0 {
		return msgs, nil
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reading batch: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return decodeEntries(streams[0].Messages), nil
}

func (c *Consumer) claimStale(ctx context.Context, count int) ([]Message, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: listing pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= c.claimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: claiming stale entries: %w", err)
	}
	return decodeEntries(claimed), nil
}

func decodeEntries(entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Values[fieldPayload].(string)
		var payload usage.Message
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		retries := 0
		switch v := e.Values[fieldRetries].(type) {
		case string:
			fmt.Sscanf(v, "%d", &retries)
		}
		out = append(out, Message{ID: e.ID, Payload: payload, Retries: retries})
	}
	return out
}

// Ack acknowledges successful processing of msg.
func (c *Consumer) Ack(ctx context.Context, msg Message) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("queue: acking message %s: %w", msg.ID, err)
	}
	return nil
}

// Nack records a processing failure for msg. Once msg.Retries+1 reaches
// maxRetries, it is moved to the deadletter stream; otherwise a copy with
// its retry counter incremented is re-published to the main stream. In
// both cases the original entry is acked off the main stream.
func (c *Consumer) Nack(ctx context.Context, msg Message, cause error) error {
	if msg.Retries+1 >= c.maxRetries {
		if err := c.deadletter(ctx, msg, cause); err != nil {
			return err
		}
		return c.Ack(ctx, msg)
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("queue: marshaling retried message: %w", err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{fieldPayload: body, fieldRetries: msg.Retries + 1},
	}).Err(); err != nil {
		return fmt.Errorf("queue: republishing retried message: %w", err)
	}
	return c.Ack(ctx, msg)
}

func (c *Consumer) deadletter(ctx context.Context, msg Message, cause error) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("queue: marshaling deadlettered message: %w", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadletterStreamName,
		Values: map[string]any{
			fieldPayload:     body,
			"retries":        msg.Retries,
			"reason":         reason,
			"deadletteredAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: writing deadletter entry: %w", err)
	}
	c.logger.Error("message exceeded retry budget, deadlettered", "feature_key", msg.Payload.FeatureKey, "retries", msg.Retries, "cause", reason)
	return nil
}

// DeadletterEntry is one inspectable row of the deadletter stream.
type DeadletterEntry struct {
	ID             string
	Payload        usage.Message
	Retries        int
	Reason         string
	DeadletteredAt time.Time
}

// ListDeadletters returns up to count deadlettered messages, most recent
// first, for the operator inspection endpoint.
func ListDeadletters(ctx context.Context, rdb *redis.Client, count int64) ([]DeadletterEntry, error) {
	entries, err := rdb.XRevRangeN(ctx, DeadletterStreamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: listing deadletters: %w", err)
	}

	out := make([]DeadletterEntry, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Values[fieldPayload].(string)
		var payload usage.Message
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			continue
		}
		entry := DeadletterEntry{ID: e.ID, Payload: payload}
		if rs, ok := e.Values["retries"].(string); ok {
			fmt.Sscanf(rs, "%d", &entry.Retries)
		}
		if reason, ok := e.Values["reason"].(string); ok {
			entry.Reason = reason
		}
		if ts, ok := e.Values["deadletteredAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				entry.DeadletteredAt = t
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
