package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DailyRollup is a row of daily_usage_rollups.
type DailyRollup struct {
	Date          time.Time
	Project       string
	Counters      map[string]int64
	CostUSD       float64
	BCUTotal      float64
	RollupVersion int
}

// UpsertDailyRollup inserts or replaces the row for (date, project),
// idempotent under the retry/gap-fill replay requirement.
func (s *Store) UpsertDailyRollup(ctx context.Context, r DailyRollup) error {
	counters, err := json.Marshal(r.Counters)
	if err != nil {
		return fmt.Errorf("marshaling counters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO daily_usage_rollups (date_bucket, project, counters, cost_usd, bcu_total, rollup_version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (date_bucket, project) DO UPDATE SET
			counters = EXCLUDED.counters,
			cost_usd = EXCLUDED.cost_usd,
			bcu_total = EXCLUDED.bcu_total,
			rollup_version = EXCLUDED.rollup_version,
			updated_at = now()`,
		r.Date, r.Project, counters, r.CostUSD, r.BCUTotal, r.RollupVersion)
	if err != nil {
		return fmt.Errorf("upserting daily rollup: %w", err)
	}
	return nil
}

// GetDailyRollup fetches a single daily rollup row.
func (s *Store) GetDailyRollup(ctx context.Context, date time.Time, project string) (DailyRollup, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT date_bucket, project, counters, cost_usd, bcu_total, rollup_version
		FROM daily_usage_rollups WHERE date_bucket = $1 AND project = $2`, date, project)
	var r DailyRollup
	var counters []byte
	if err := row.Scan(&r.Date, &r.Project, &counters, &r.CostUSD, &r.BCUTotal, &r.RollupVersion); err != nil {
		if err == pgx.ErrNoRows {
			return DailyRollup{}, false, nil
		}
		return DailyRollup{}, false, fmt.Errorf("getting daily rollup: %w", err)
	}
	if err := json.Unmarshal(counters, &r.Counters); err != nil {
		return DailyRollup{}, false, fmt.Errorf("unmarshaling counters: %w", err)
	}
	return r, true, nil
}

// DailyRollupsSince returns the daily rollups for project in [since, until),
// ordered by date, used by the Anomaly Detector's 7-day rolling window and
// the gap-fill scan.
func (s *Store) DailyRollupsSince(ctx context.Context, project string, since, until time.Time) ([]DailyRollup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT date_bucket, project, counters, cost_usd, bcu_total, rollup_version
		FROM daily_usage_rollups
		WHERE project = $1 AND date_bucket >= $2 AND date_bucket < $3
		ORDER BY date_bucket`, project, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying daily rollups: %w", err)
	}
	defer rows.Close()

	var out []DailyRollup
	for rows.Next() {
		var r DailyRollup
		var counters []byte
		if err := rows.Scan(&r.Date, &r.Project, &counters, &r.CostUSD, &r.BCUTotal, &r.RollupVersion); err != nil {
			return nil, fmt.Errorf("scanning daily rollup: %w", err)
		}
		if err := json.Unmarshal(counters, &r.Counters); err != nil {
			return nil, fmt.Errorf("unmarshaling counters: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MissingDailyRollupDates returns dates in the last lookbackDays for which
// project has hourly snapshots but no daily rollup row, the gap-fill scan's
// detection step.
func (s *Store) MissingDailyRollupDates(ctx context.Context, project string, lookbackDays int) ([]time.Time, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT date_trunc('day', time_bucket)::date AS d
		FROM hourly_usage_snapshots
		WHERE project = $1 AND time_bucket >= now() - make_interval(days => $2)
		EXCEPT
		SELECT date_bucket FROM daily_usage_rollups WHERE project = $1
		ORDER BY d`, project, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("querying missing daily rollup dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning missing date: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MonthlyRollup is a row of monthly_usage_rollups.
type MonthlyRollup struct {
	Month         time.Time
	Project       string
	Counters      map[string]int64
	CostUSD       float64
	BCUTotal      float64
	RollupVersion int
}

// UpsertMonthlyRollup inserts or replaces the row for (month, project).
func (s *Store) UpsertMonthlyRollup(ctx context.Context, r MonthlyRollup) error {
	counters, err := json.Marshal(r.Counters)
	if err != nil {
		return fmt.Errorf("marshaling counters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO monthly_usage_rollups (month_bucket, project, counters, cost_usd, bcu_total, rollup_version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (month_bucket, project) DO UPDATE SET
			counters = EXCLUDED.counters,
			cost_usd = EXCLUDED.cost_usd,
			bcu_total = EXCLUDED.bcu_total,
			rollup_version = EXCLUDED.rollup_version,
			updated_at = now()`,
		r.Month, r.Project, counters, r.CostUSD, r.BCUTotal, r.RollupVersion)
	if err != nil {
		return fmt.Errorf("upserting monthly rollup: %w", err)
	}
	return nil
}
