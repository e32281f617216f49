// Package alerter classifies errors, persists them through the adaptive
// sampler, and escalates: P0 immediate delivery, P1 hourly digest, P2
// daily summary, with fingerprint-based dedup across a window.
package alerter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/errorsampler"
	"github.com/wisbric/governor/pkg/notify"
	"github.com/wisbric/governor/pkg/warehouse"
)

// Priorities.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
)

// Defaults for the P0 sliding-window rate check.
const (
	DefaultP0RateThreshold = 0.50
	DefaultWindowMinutes   = 5
	DefaultMinRequests     = 20
	dedupTTLSeconds        = 3600
)

// Store is the warehouse surface the alerter needs.
type Store interface {
	InsertErrorEvent(ctx context.Context, e warehouse.ErrorEvent) error
	ErrorBudgetTotalsSince(ctx context.Context, featureKey string, since time.Time) (success, errCount int64, err error)
	ErrorEventsSince(ctx context.Context, since time.Time) ([]warehouse.ErrorEvent, error)
}

// Deduper is the KVCS surface used for fingerprint dedup.
type Deduper interface {
	SetIfAbsent(ctx context.Context, key, value string, ttlSeconds int64) (bool, error)
}

// Alerter classifies, persists, and escalates error events. All delivery
// is best-effort: a failing channel is logged and never surfaces to the
// telemetry path.
type Alerter struct {
	store    Store
	kv       Deduper
	channels []notify.Channel
	sampler  *errorsampler.Sampler
	logger   *slog.Logger

	// P0RateThreshold is the sliding-window error rate that escalates to
	// P0 even without a CIRCUIT_BREAKER category.
	P0RateThreshold float64
	// WindowMinutes is the width of that sliding window.
	WindowMinutes int
	// MinRequests gates the rate check so a 1-of-2 failure isn't a page.
	MinRequests int64
	// DigestTopN bounds how many (feature, category) groups a digest carries.
	DigestTopN int

	Emitted      *prometheus.CounterVec
	Deduplicated prometheus.Counter
}

// New creates an Alerter. channels may be empty (persist-only operation).
func New(store Store, kv Deduper, sampler *errorsampler.Sampler, channels []notify.Channel, logger *slog.Logger, emitted *prometheus.CounterVec, deduplicated prometheus.Counter) *Alerter {
	return &Alerter{
		store:           store,
		kv:              kv,
		channels:        channels,
		sampler:         sampler,
		logger:          logger,
		P0RateThreshold: DefaultP0RateThreshold,
		WindowMinutes:   DefaultWindowMinutes,
		MinRequests:     DefaultMinRequests,
		DigestTopN:      10,
		Emitted:         emitted,
		Deduplicated:    deduplicated,
	}
}

// HandleError processes one error occurrence for a feature: determines
// priority, persists the event through the adaptive sampler, and emits a
// P0 alert when warranted. Unsampled errors still counted into batch rate
// upstream — alert escalation here is independent of the persist decision.
func (a *Alerter) HandleError(ctx context.Context, featureKey, category, code, correlationID string, batch *errorsampler.BatchState, now time.Time) {
	category = NormalizeCategory(category)
	priority := a.priorityFor(ctx, featureKey, category, now)

	if a.sampler.ShouldPersist(batch, category) {
		event := warehouse.ErrorEvent{
			ID:            uuid.New().String(),
			FeatureKey:    featureKey,
			Category:      category,
			Code:          code,
			CorrelationID: correlationID,
			Priority:      priority,
			CreatedAt:     now,
		}
		if err := a.store.InsertErrorEvent(ctx, event); err != nil {
			a.logger.Error("alerter: persisting error event", "feature_key", featureKey, "category", category, "error", err)
		}
	}

	if priority == PriorityP0 {
		a.emitP0(ctx, featureKey, category, code, now)
	}
}

// priorityFor applies the escalation rules: CIRCUIT_BREAKER is always P0;
// a sliding-window error rate at or above the threshold with enough
// traffic is P0; everything else lands in the hourly digest tier.
func (a *Alerter) priorityFor(ctx context.Context, featureKey, category string, now time.Time) string {
	if category == CategoryCircuitBreaker {
		return PriorityP0
	}

	since := now.Add(-time.Duration(a.WindowMinutes) * time.Minute)
	success, errCount, err := a.store.ErrorBudgetTotalsSince(ctx, featureKey, since)
	if err != nil {
		a.logger.Warn("alerter: reading error budget window", "feature_key", featureKey, "error", err)
		return PriorityP1
	}
	total := success + errCount
	if total >= a.MinRequests && float64(errCount)/float64(total) >= a.P0RateThreshold {
		return PriorityP0
	}
	return PriorityP1
}

// emitP0 delivers an immediate alert, deduplicated by fingerprint: only
// the first occurrence of an error class within the dedup TTL pages.
// Delivery failures retry once, then fail open.
func (a *Alerter) emitP0(ctx context.Context, featureKey, category, code string, now time.Time) {
	fp := Fingerprint(category, code, featureKey, "")
	won, err := a.kv.SetIfAbsent(ctx, "ALERT:FP:"+fp, now.UTC().Format(time.RFC3339), dedupTTLSeconds)
	if err != nil {
		a.logger.Warn("alerter: fingerprint dedup check failed, emitting anyway", "fingerprint", fp, "error", err)
	} else if !won {
		if a.Deduplicated != nil {
			a.Deduplicated.Inc()
		}
		return
	}

	alert := notify.BreakerAlert{
		FeatureKey: featureKey,
		Priority:   notify.PriorityP0,
		EventType:  "p0_error_rate",
		Reason:     fmt.Sprintf("category=%s code=%s", category, code),
		OccurredAt: now,
	}
	if category == CategoryCircuitBreaker {
		alert.EventType = "trip"
	}

	for _, ch := range a.channels {
		if err := ch.PostBreakerAlert(ctx, alert); err != nil {
			a.logger.Warn("alerter: P0 delivery failed, retrying once", "channel", ch.Name(), "error", err)
			if err := ch.PostBreakerAlert(ctx, alert); err != nil {
				a.logger.Error("alerter: P0 delivery failed after retry", "channel", ch.Name(), "error", err)
			}
		}
	}
	if a.Emitted != nil {
		a.Emitted.WithLabelValues(PriorityP0).Inc()
	}
}

// RunHourlyDigest aggregates the last hour of non-P0 error events grouped
// by (feature_key, category) and posts one P1 digest.
func (a *Alerter) RunHourlyDigest(ctx context.Context, now time.Time) error {
	return a.runDigest(ctx, now, time.Hour, notify.PriorityP1, "hourly", PriorityP1)
}

// RunDailySummary aggregates the last 24h and posts one P2 summary
// including the distinct error-type count.
func (a *Alerter) RunDailySummary(ctx context.Context, now time.Time) error {
	return a.runDigest(ctx, now, 24*time.Hour, notify.PriorityP2, "daily", PriorityP2)
}

func (a *Alerter) runDigest(ctx context.Context, now time.Time, window time.Duration, priority notify.Priority, period, metricLabel string) error {
	events, err := a.store.ErrorEventsSince(ctx, now.Add(-window))
	if err != nil {
		return fmt.Errorf("alerter: loading %s digest events: %w", period, err)
	}

	type groupKey struct{ feature, category string }
	groups := make(map[groupKey]int64)
	distinct := make(map[string]bool)
	for _, e := range events {
		if e.Priority == PriorityP0 {
			continue
		}
		groups[groupKey{e.FeatureKey, e.Category}]++
		distinct[e.Category+":"+e.Code] = true
	}
	if len(groups) == 0 {
		return nil
	}

	entries := make([]notify.DigestEntry, 0, len(groups))
	for k, n := range groups {
		entries = append(entries, notify.DigestEntry{FeatureKey: k.feature, Category: k.category, Count: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Count > entries[j].Count })
	if len(entries) > a.DigestTopN {
		entries = entries[:a.DigestTopN]
	}

	digest := notify.DigestAlert{
		Priority:      priority,
		Period:        period,
		WindowStart:   now.Add(-window),
		WindowEnd:     now,
		Entries:       entries,
		DistinctTypes: len(distinct),
	}
	for _, ch := range a.channels {
		if err := ch.PostDigest(ctx, digest); err != nil {
			a.logger.Error("alerter: digest delivery failed", "channel", ch.Name(), "period", period, "error", err)
		}
	}
	if a.Emitted != nil {
		a.Emitted.WithLabelValues(metricLabel).Inc()
	}
	return nil
}
