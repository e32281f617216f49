// Package notify delivers alerts and circuit-breaker notifications to
// external channels (Slack, generic webhook) and exposes a slash-command
// surface for manual breaker control.
package notify

import (
	"context"
	"time"
)

// Priority mirrors the Error Alerter's escalation tiers.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// BreakerAlert is emitted when the circuit breaker trips, resets, or a P0
// error-rate threshold fires for a feature.
type BreakerAlert struct {
	FeatureKey       string
	Priority         Priority
	EventType        string // trip, reset, manual_disable, manual_enable, p0_error_rate
	ViolatedResource string
	Reason           string
	CurrentValue     *float64
	BudgetLimit      *float64
	OccurredAt       time.Time
}

// DigestEntry is one row of a P1/P2 digest, grouped by (feature_key, category).
type DigestEntry struct {
	FeatureKey string
	Category   string
	Count      int64
}

// DigestAlert is the P1 hourly / P2 daily aggregate summary.
type DigestAlert struct {
	Priority      Priority
	Period        string // "hourly" or "daily"
	WindowStart   time.Time
	WindowEnd     time.Time
	Entries       []DigestEntry
	DistinctTypes int
}

// Channel is the integration point every alert delivery backend
// implements. Delivery is best-effort; a Channel must never panic and
// should return a wrapped error so the caller can log-and-continue.
type Channel interface {
	Name() string
	PostBreakerAlert(ctx context.Context, alert BreakerAlert) error
	PostDigest(ctx context.Context, digest DigestAlert) error
}
