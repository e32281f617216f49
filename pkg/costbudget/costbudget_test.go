package costbudget

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/governor/pkg/kvcs"
)

func newTestEnforcer(t *testing.T) (*Enforcer, *kvcs.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := kvcs.New(client, logger)
	return New(kv, nil, logger, 900), kv
}

func TestEnforceAccumulatesWithinWindow(t *testing.T) {
	e, kv := newTestEnforcer(t)
	ctx := context.Background()
	key := "acme:api:checkout"
	now := time.Now()

	if err := kv.SetCostBudget(ctx, key, kvcs.CostBudget{DailyLimitUSD: 10.0}); err != nil {
		t.Fatalf("SetCostBudget() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Enforce(ctx, key, 1.0, now); err != nil {
			t.Fatalf("Enforce() error = %v", err)
		}
	}

	accum, found, err := kv.GetAccumulatedCost(ctx, key)
	if err != nil {
		t.Fatalf("GetAccumulatedCost() error = %v", err)
	}
	if !found {
		t.Fatal("GetAccumulatedCost() found = false, want true")
	}
	if accum.CostUSD != 3.0 {
		t.Fatalf("accumulated cost = %v, want 3.0", accum.CostUSD)
	}

	status, err := kv.GetBreakerStatus(ctx, key)
	if err != nil {
		t.Fatalf("GetBreakerStatus() error = %v", err)
	}
	if status != kvcs.StatusGo {
		t.Fatalf("GetBreakerStatus() = %v, want GO below daily limit", status)
	}
}

func TestEnforceResetsOnWindowRollover(t *testing.T) {
	e, kv := newTestEnforcer(t)
	ctx := context.Background()
	key := "acme:api:checkout"
	start := time.Now()

	if err := kv.SetCostBudget(ctx, key, kvcs.CostBudget{DailyLimitUSD: 10.0}); err != nil {
		t.Fatalf("SetCostBudget() error = %v", err)
	}
	if err := e.Enforce(ctx, key, 5.0, start); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}

	// 25 hours later: the 24h rolling window has rolled over.
	if err := e.Enforce(ctx, key, 1.0, start.Add(25*time.Hour)); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}

	accum, _, err := kv.GetAccumulatedCost(ctx, key)
	if err != nil {
		t.Fatalf("GetAccumulatedCost() error = %v", err)
	}
	if accum.CostUSD != 1.0 {
		t.Fatalf("accumulated cost after rollover = %v, want 1.0 (reset, not 6.0)", accum.CostUSD)
	}
}

func TestEnforceNoCostBudgetConfiguredIsNoop(t *testing.T) {
	e, kv := newTestEnforcer(t)
	ctx := context.Background()
	key := "acme:api:checkout"

	if err := e.Enforce(ctx, key, 100.0, time.Now()); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}

	_, found, err := kv.GetAccumulatedCost(ctx, key)
	if err != nil {
		t.Fatalf("GetAccumulatedCost() error = %v", err)
	}
	if found {
		t.Fatal("GetAccumulatedCost() found = true, want false when no cost budget is configured")
	}
}
