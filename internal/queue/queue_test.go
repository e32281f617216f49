package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/governor/pkg/usage"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testMessage(featureKey string) usage.Message {
	return usage.Message{
		FeatureKey:  featureKey,
		Project:     "acme",
		Category:    "api",
		Feature:     "checkout",
		TimestampMs: time.Now().UnixMilli(),
	}
}

func TestProducerConsumer_PublishReadAck(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer := NewProducer(client)
	if err := producer.Publish(ctx, testMessage("acme:api:checkout")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	consumer, err := NewConsumer(ctx, client, Config{Group: "workers", ConsumerName: "w1"}, logger)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	msgs, err := consumer.ReadBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ReadBatch() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("ReadBatch() returned %d messages, want 1", len(msgs))
	}
	if msgs[0].Payload.FeatureKey != "acme:api:checkout" {
		t.Fatalf("Payload.FeatureKey = %q, want acme:api:checkout", msgs[0].Payload.FeatureKey)
	}

	if err := consumer.Ack(ctx, msgs[0]); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	again, err := consumer.ReadBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("second ReadBatch() error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second ReadBatch() returned %d messages, want 0 after ack", len(again))
	}
}

func TestConsumer_NackRetriesThenDeadletters(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer := NewProducer(client)
	if err := producer.Publish(ctx, testMessage("acme:api:checkout")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	consumer, err := NewConsumer(ctx, client, Config{Group: "workers", ConsumerName: "w1", MaxRetries: 2}, logger)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	cause := errors.New("boom")
	for i := 0; i < 2; i++ {
		msgs, err := consumer.ReadBatch(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ReadBatch() iteration %d error = %v", i, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("ReadBatch() iteration %d returned %d messages, want 1", i, len(msgs))
		}
		if err := consumer.Nack(ctx, msgs[0], cause); err != nil {
			t.Fatalf("Nack() iteration %d error = %v", i, err)
		}
	}

	remaining, err := consumer.ReadBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("final ReadBatch() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("final ReadBatch() returned %d messages, want 0 after deadlettering", len(remaining))
	}

	deadlettered, err := ListDeadletters(ctx, client, 10)
	if err != nil {
		t.Fatalf("ListDeadletters() error = %v", err)
	}
	if len(deadlettered) != 1 {
		t.Fatalf("ListDeadletters() returned %d entries, want 1", len(deadlettered))
	}
	if deadlettered[0].Reason != "boom" {
		t.Fatalf("deadlettered[0].Reason = %q, want boom", deadlettered[0].Reason)
	}
}
