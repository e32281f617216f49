// Package costbudget implements the Cost-Budget Enforcer: a rolling 24h USD
// accumulation per feature that trips the circuit breaker on exceed.
package costbudget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/governor/pkg/kvcs"
	"github.com/wisbric/governor/pkg/pricing"
	"github.com/wisbric/governor/pkg/warehouse"
)

// rollingWindow is the USD accumulation window.
const rollingWindow = 24 * time.Hour

// accumTTL is the KVCS TTL for the accumulated-cost cell: window + 1h of
// slack so a late writer doesn't find an expired cell mid-window.
const accumTTL = 25 * time.Hour

// Enforcer tracks rolling 24h USD cost per feature and trips STOP when the
// feature's daily_limit_usd is exceeded.
type Enforcer struct {
	kv     *kvcs.Store
	wh     *warehouse.Store
	logger *slog.Logger

	AutoResetSeconds int64
}

// New creates a Cost-Budget Enforcer.
func New(kv *kvcs.Store, wh *warehouse.Store, logger *slog.Logger, autoResetSeconds int64) *Enforcer {
	return &Enforcer{kv: kv, wh: wh, logger: logger, AutoResetSeconds: autoResetSeconds}
}

// Enforce adds costUSD to the feature's rolling 24h accumulation, resetting
// the window if it has rolled over, and trips the breaker if the total
// exceeds the feature's configured daily_limit_usd. Like the Budget
// Enforcer, callers must swallow the returned error rather than fail the
// telemetry write.
func (e *Enforcer) Enforce(ctx context.Context, featureKey string, costUSD float64, now time.Time) error {
	if costUSD <= 0 {
		return nil
	}

	cb, found, err := e.kv.GetCostBudget(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("costbudget: loading cost budget for %q: %w", featureKey, err)
	}
	if !found || cb.DailyLimitUSD <= 0 {
		return nil
	}

	accum, found, err := e.kv.GetAccumulatedCost(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("costbudget: loading accumulated cost for %q: %w", featureKey, err)
	}

	windowStart := time.UnixMilli(accum.WindowStartMs)
	if !found || now.Sub(windowStart) >= rollingWindow {
		accum = kvcs.AccumulatedCost{CostUSD: 0, WindowStartMs: now.UnixMilli()}
	}

	// Fixed-decimal rounding on every write prevents floating-point drift
	// across thousands of additions.
	accum.CostUSD = pricing.RoundCost(accum.CostUSD + costUSD)

	if err := e.kv.SetAccumulatedCost(ctx, featureKey, accum, accumTTL); err != nil {
		return fmt.Errorf("costbudget: writing accumulated cost for %q: %w", featureKey, err)
	}

	if accum.CostUSD <= cb.DailyLimitUSD {
		return nil
	}

	reason := fmt.Sprintf("cost_usd=%.6f>%.6f", accum.CostUSD, cb.DailyLimitUSD)
	if err := e.kv.Trip(ctx, featureKey, reason, now, time.Duration(e.AutoResetSeconds)*time.Second); err != nil {
		return fmt.Errorf("costbudget: tripping breaker for %q: %w", featureKey, err)
	}

	currentValue := accum.CostUSD
	budgetLimit := cb.DailyLimitUSD
	if err := e.wh.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		FeatureKey:       featureKey,
		EventType:        "trip",
		Reason:           reason,
		ViolatedResource: "cost_usd",
		CurrentValue:     &currentValue,
		BudgetLimit:      &budgetLimit,
		AutoReset:        e.AutoResetSeconds > 0,
	}); err != nil {
		return fmt.Errorf("costbudget: recording trip event for %q: %w", featureKey, err)
	}

	e.logger.Warn("feature circuit breaker tripped on cost",
		"feature_key", featureKey,
		"accumulated_usd", accum.CostUSD,
		"daily_limit_usd", cb.DailyLimitUSD,
	)
	return nil
}
