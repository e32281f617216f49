package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func unmarshalCounters(raw []byte, dst *map[string]int64) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshaling counters: %w", err)
	}
	return nil
}

// ErrorBudgetTotalsSince sums a feature's success/error counts across the
// error-budget windows starting at or after since, the Error Alerter's
// sliding-window rate input.
func (s *Store) ErrorBudgetTotalsSince(ctx context.Context, featureKey string, since time.Time) (success, errCount int64, err error) {
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(success_count), 0), COALESCE(SUM(error_count), 0)
		FROM error_budget_windows
		WHERE feature_key = $1 AND window_start >= $2`, featureKey, since)
	if scanErr := row.Scan(&success, &errCount); scanErr != nil {
		return 0, 0, fmt.Errorf("summing error budget windows: %w", scanErr)
	}
	return success, errCount, nil
}

// SumHourlyCounterSince totals one named counter across every project's
// hourly snapshots at or after since. The Collection Scheduler uses this
// for the trailing-24h write-volume ratio that picks the sampling mode.
func (s *Store) SumHourlyCounterSince(ctx context.Context, counter string, since time.Time) (int64, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM((counters->>$1)::bigint), 0)
		FROM hourly_usage_snapshots
		WHERE time_bucket >= $2 AND counters ? $1`, counter, since)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("summing hourly counter %q: %w", counter, err)
	}
	return total, nil
}

// DistinctProjectsWithDailyRollups returns every project with at least one
// daily rollup in [since, until), driving the monthly rollup and anomaly
// scans.
func (s *Store) DistinctProjectsWithDailyRollups(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT project FROM daily_usage_rollups
		WHERE date_bucket >= $1 AND date_bucket < $2`, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying distinct rollup projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AuditEntry is a readable row of audit_log.
type AuditEntry struct {
	ID         int64
	Action     string
	FeatureKey string
	Actor      string
	Detail     []byte
	CreatedAt  time.Time
}

// ListAuditLog returns audit entries newest-first with offset pagination.
func (s *Store) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, action, feature_key, actor, detail, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.FeatureKey, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestHourlySnapshot returns the most recent hourly snapshot for a
// project, found=false when none exists.
func (s *Store) LatestHourlySnapshot(ctx context.Context, project string) (HourlySnapshot, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT time_bucket, project, counters, cost_usd, bcu_total, sampling_mode, collection_timestamp
		FROM hourly_usage_snapshots WHERE project = $1
		ORDER BY time_bucket DESC LIMIT 1`, project)
	var snap HourlySnapshot
	var counters []byte
	if err := row.Scan(&snap.TimeBucket, &snap.Project, &counters, &snap.CostUSD, &snap.BCUTotal, &snap.SamplingMode, &snap.CollectionTimestamp); err != nil {
		if err == pgx.ErrNoRows {
			return HourlySnapshot{}, false, nil
		}
		return HourlySnapshot{}, false, fmt.Errorf("getting latest hourly snapshot: %w", err)
	}
	if err := unmarshalCounters(counters, &snap.Counters); err != nil {
		return HourlySnapshot{}, false, err
	}
	return snap, true, nil
}
