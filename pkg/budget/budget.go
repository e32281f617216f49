// Package budget implements the Budget Enforcer: per-resource rolling
// counters compared against live budget limits, tripping the feature
// circuit breaker when a resource exceeds its hard-limit ceiling.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/kvcs"
	"github.com/wisbric/governor/pkg/usage"
	"github.com/wisbric/governor/pkg/warehouse"
)

const (
	windowHourly = "hourly"
	windowDaily  = "daily"
)

var windowDurations = map[string]time.Duration{
	windowHourly: time.Hour,
	windowDaily:  24 * time.Hour,
}

// Enforcer evaluates per-feature resource budgets and trips the circuit
// breaker on violation.
type Enforcer struct {
	kv     *kvcs.Store
	wh     *warehouse.Store
	logger *slog.Logger

	// HardLimitMultiplier is the headroom ratio applied to a budget limit
	// before a violation trips STOP.
	HardLimitMultiplier float64
	// AutoResetSeconds is the default auto-reset delay written alongside a
	// trip.
	AutoResetSeconds int64

	// Trips/AutoResets are optional Prometheus collectors; nil-safe.
	Trips      *prometheus.CounterVec
	AutoResets prometheus.Counter
}

// New creates a Budget Enforcer.
func New(kv *kvcs.Store, wh *warehouse.Store, logger *slog.Logger, hardLimitMultiplier float64, autoResetSeconds int64, trips *prometheus.CounterVec, autoResets prometheus.Counter) *Enforcer {
	return &Enforcer{
		kv:                  kv,
		wh:                  wh,
		logger:              logger,
		HardLimitMultiplier: hardLimitMultiplier,
		AutoResetSeconds:    autoResetSeconds,
		Trips:               trips,
		AutoResets:          autoResets,
	}
}

// Enforce evaluates the bundle against the feature's live budget limits,
// incrementing rolling hourly/daily counters and tripping the breaker when
// any resource exceeds limit × HardLimitMultiplier. Callers (the Telemetry
// Consumer) MUST swallow the returned error rather than fail the message.
func (e *Enforcer) Enforce(ctx context.Context, featureKey string, metrics usage.Bundle, now time.Time) error {
	limits, found, err := e.kv.GetBudgetLimits(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("budget: loading limits for %q: %w", featureKey, err)
	}
	if !found {
		return nil
	}

	for resource, qty := range metrics {
		if qty <= 0 {
			continue
		}
		limit, ok := limits.Resources[string(resource)]
		if !ok {
			continue
		}

		if limit.Hourly != nil {
			if err := e.checkWindow(ctx, featureKey, string(resource), windowHourly, qty, *limit.Hourly, now); err != nil {
				return err
			}
		}
		if limit.Daily != nil {
			if err := e.checkWindow(ctx, featureKey, string(resource), windowDaily, qty, *limit.Daily, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Enforcer) checkWindow(ctx context.Context, featureKey, resource, window string, delta, limit int64, now time.Time) error {
	ttl := 2 * windowDurations[window]
	curr, err := e.kv.IncrCounter(ctx, featureKey, resource, window, delta, ttl)
	if err != nil {
		return fmt.Errorf("budget: incrementing %s/%s counter for %q: %w", resource, window, featureKey, err)
	}

	ceiling := float64(limit) * e.HardLimitMultiplier
	if float64(curr) <= ceiling {
		return nil
	}

	reason := fmt.Sprintf("%s=%d>%d", resource, curr, limit)
	if err := e.kv.Trip(ctx, featureKey, reason, now, time.Duration(e.AutoResetSeconds)*time.Second); err != nil {
		return fmt.Errorf("budget: tripping breaker for %q: %w", featureKey, err)
	}

	currentValue := float64(curr)
	budgetLimit := float64(limit)
	if err := e.wh.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		FeatureKey:       featureKey,
		EventType:        "trip",
		Reason:           reason,
		ViolatedResource: resource,
		CurrentValue:     &currentValue,
		BudgetLimit:      &budgetLimit,
		AutoReset:        e.AutoResetSeconds > 0,
	}); err != nil {
		return fmt.Errorf("budget: recording trip event for %q: %w", featureKey, err)
	}

	if e.Trips != nil {
		e.Trips.WithLabelValues(resource).Inc()
	}
	e.logger.Warn("feature circuit breaker tripped",
		"feature_key", featureKey,
		"violated_resource", resource,
		"window", window,
		"current_value", curr,
		"budget_limit", limit,
	)
	return nil
}

// SeedDefaults writes registry-declared daily limits into KVCS for
// features that have no live budget cell yet. The registry is the
// catalog of defaults; the KVCS cell stays the live source of truth and
// is never overwritten once present (admin edits win).
func (e *Enforcer) SeedDefaults(ctx context.Context, regs []warehouse.FeatureRegistration) error {
	for _, reg := range regs {
		if len(reg.DailyLimits) == 0 || string(reg.DailyLimits) == "{}" {
			continue
		}
		_, found, err := e.kv.GetBudgetLimits(ctx, reg.FeatureKey)
		if err != nil {
			return fmt.Errorf("budget: checking live limits for %q: %w", reg.FeatureKey, err)
		}
		if found {
			continue
		}

		var daily map[string]int64
		if err := json.Unmarshal(reg.DailyLimits, &daily); err != nil {
			e.logger.Warn("budget: unparsable registry daily limits, skipping",
				"feature_key", reg.FeatureKey, "error", err)
			continue
		}
		limits := kvcs.BudgetLimits{Resources: make(map[string]kvcs.ResourceLimit, len(daily))}
		for resource, v := range daily {
			limit := v
			limits.Resources[resource] = kvcs.ResourceLimit{Daily: &limit}
		}
		if err := e.kv.SetBudgetLimits(ctx, reg.FeatureKey, limits); err != nil {
			return fmt.Errorf("budget: seeding limits for %q: %w", reg.FeatureKey, err)
		}
		e.logger.Info("budget limits seeded from registry", "feature_key", reg.FeatureKey, "resources", len(daily))
	}
	return nil
}

// RunAutoResetSweep scans every tripped feature and clears those whose
// auto_reset_at is due, recording a reset event for each. Manual disables
// (auto_reset_at nil) are left untouched.
func (e *Enforcer) RunAutoResetSweep(ctx context.Context, now time.Time) error {
	tripped, err := e.kv.ScanTrippedFeatures(ctx)
	if err != nil {
		return fmt.Errorf("budget: scanning tripped features: %w", err)
	}

	for _, t := range tripped {
		if t.State.AutoResetAt == nil || now.Before(*t.State.AutoResetAt) {
			continue
		}
		if err := e.kv.Reset(ctx, t.FeatureKey); err != nil {
			e.logger.Error("budget: auto-reset sweep failed to clear breaker", "feature_key", t.FeatureKey, "error", err)
			continue
		}
		if err := e.wh.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
			FeatureKey: t.FeatureKey,
			EventType:  "reset",
			Reason:     "auto_reset_at due",
			AutoReset:  true,
		}); err != nil {
			e.logger.Error("budget: auto-reset sweep failed to record event", "feature_key", t.FeatureKey, "error", err)
			continue
		}
		if e.AutoResets != nil {
			e.AutoResets.Inc()
		}
		e.logger.Info("feature circuit breaker auto-reset", "feature_key", t.FeatureKey)
	}
	return nil
}
