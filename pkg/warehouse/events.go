package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BreakerEvent is a row of feature_circuit_breaker_events.
type BreakerEvent struct {
	FeatureKey       string
	EventType        string // trip, reset, manual_disable, manual_enable
	Reason           string
	ViolatedResource string
	CurrentValue     *float64
	BudgetLimit      *float64
	AutoReset        bool
}

// InsertBreakerEvent appends a circuit-breaker transition event. Events are
// append-only; every row is a fresh insert, never an update.
func (s *Store) InsertBreakerEvent(ctx context.Context, e BreakerEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO feature_circuit_breaker_events
			(feature_key, event_type, reason, violated_resource, current_value, budget_limit, auto_reset, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
		e.FeatureKey, e.EventType, e.Reason, e.ViolatedResource, e.CurrentValue, e.BudgetLimit, e.AutoReset)
	if err != nil {
		return fmt.Errorf("inserting breaker event: %w", err)
	}
	return nil
}

// ErrorEvent is a row of feature_error_events.
type ErrorEvent struct {
	ID            string
	FeatureKey    string
	Category      string
	Code          string
	CorrelationID string
	Priority      string
	CreatedAt     time.Time
}

// InsertErrorEvent appends an error event. The Adaptive Error Sampler
// decides upstream whether this call happens at all; once
// called, the row is always persisted.
func (s *Store) InsertErrorEvent(ctx context.Context, e ErrorEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO feature_error_events (feature_key, category, code, correlation_id, priority, created_at)
		VALUES ($1,$2,$3,$4,$5,now())`,
		e.FeatureKey, e.Category, e.Code, e.CorrelationID, e.Priority)
	if err != nil {
		return fmt.Errorf("inserting error event: %w", err)
	}
	return nil
}

// DeleteErrorEventsOlderThan enforces the error-event retention policy.
func (s *Store) DeleteErrorEventsOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM feature_error_events WHERE created_at < now() - make_interval(days => $1)`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting old error events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountRecentErrors returns the number of error events recorded for a
// feature since the given time.
func (s *Store) CountRecentErrors(ctx context.Context, featureKey string, since time.Time) (errCount int64, err error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*) FROM feature_error_events WHERE feature_key = $1 AND created_at >= $2`, featureKey, since)
	if scanErr := row.Scan(&errCount); scanErr != nil {
		return 0, fmt.Errorf("counting recent errors: %w", scanErr)
	}
	return errCount, nil
}

// ErrorEventsSince returns error events for a feature/category grouping
// window, used by the P1 hourly digest and P2 daily summary.
func (s *Store) ErrorEventsSince(ctx context.Context, since time.Time) ([]ErrorEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT feature_key, category, code, correlation_id, priority, created_at
		FROM feature_error_events WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("querying error events: %w", err)
	}
	defer rows.Close()

	var out []ErrorEvent
	for rows.Next() {
		var e ErrorEvent
		if err := rows.Scan(&e.FeatureKey, &e.Category, &e.Code, &e.CorrelationID, &e.Priority, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning error event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ErrorBudgetWindow is a row of error_budget_windows, the rolling
// 5-minute success/error tally the consumer upserts per feature.
type ErrorBudgetWindow struct {
	FeatureKey     string
	WindowStart    time.Time
	WindowEnd      time.Time
	SuccessCount   int64
	ErrorCount     int64
	CategoryCounts map[string]int64
}

// UpsertErrorBudgetWindow accumulates success/error counts into the window
// keyed by (feature_key, window_start).
func (s *Store) UpsertErrorBudgetWindow(ctx context.Context, w ErrorBudgetWindow) error {
	cats, err := json.Marshal(w.CategoryCounts)
	if err != nil {
		return fmt.Errorf("marshaling category counts: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO error_budget_windows (feature_key, window_start, window_end, success_count, error_count, category_counts)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (feature_key, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			success_count = error_budget_windows.success_count + EXCLUDED.success_count,
			error_count = error_budget_windows.error_count + EXCLUDED.error_count,
			category_counts = EXCLUDED.category_counts`,
		w.FeatureKey, w.WindowStart, w.WindowEnd, w.SuccessCount, w.ErrorCount, cats)
	if err != nil {
		return fmt.Errorf("upserting error budget window: %w", err)
	}
	return nil
}

// Anomaly is a row of anomalies.
type Anomaly struct {
	ID              int64
	Metric          string
	Project         string
	ObservedValue   float64
	ExpectedMean    float64
	ExpectedStddev  float64
	DeviationFactor float64
	Resolved        bool
	CreatedAt       time.Time
}

// InsertAnomaly records a new anomaly.
func (s *Store) InsertAnomaly(ctx context.Context, a Anomaly) (int64, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO anomalies (metric, project, observed_value, expected_mean, expected_stddev, deviation_factor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		RETURNING id`,
		a.Metric, a.Project, a.ObservedValue, a.ExpectedMean, a.ExpectedStddev, a.DeviationFactor)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting anomaly: %w", err)
	}
	return id, nil
}

// HasUnresolvedAnomaly reports whether (metric, project) already has an
// open anomaly, for the dedup-against-unresolved rule.
func (s *Store) HasUnresolvedAnomaly(ctx context.Context, metric, project string) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*) > 0 FROM anomalies WHERE metric = $1 AND project = $2 AND resolved = false`, metric, project)
	var found bool
	if err := row.Scan(&found); err != nil {
		return false, fmt.Errorf("checking unresolved anomaly: %w", err)
	}
	return found, nil
}

// ResolveAnomaly marks an anomaly resolved.
func (s *Store) ResolveAnomaly(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE anomalies SET resolved = true, resolved_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolving anomaly %d: %w", id, err)
	}
	return nil
}

// UpsertModelUsage records a per-model inference invocation count with
// daily conflict-resolution addition.
func (s *Store) UpsertModelUsage(ctx context.Context, date time.Time, featureKey, model string, invocations int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO model_usage_daily (date_bucket, feature_key, model, invocations)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (date_bucket, feature_key, model) DO UPDATE SET
			invocations = model_usage_daily.invocations + excluded.invocations`,
		date, featureKey, model, invocations)
	if err != nil {
		return fmt.Errorf("upserting model usage: %w", err)
	}
	return nil
}

// UpsertFeatureHealth records the last-seen health state for a feature,
// updated by the Heartbeat Handler.
func (s *Store) UpsertFeatureHealth(ctx context.Context, featureKey, status string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO feature_health (feature_key, status, last_seen_at)
		VALUES ($1,$2,now())
		ON CONFLICT (feature_key) DO UPDATE SET status = EXCLUDED.status, last_seen_at = now()`,
		featureKey, status)
	if err != nil {
		return fmt.Errorf("upserting feature health: %w", err)
	}
	return nil
}
