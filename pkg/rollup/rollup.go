// Package rollup aggregates hourly usage snapshots into daily rollups and
// daily rollups into monthly rollups, with gap-fill replay and query-cache
// invalidation after each daily write.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/warehouse"
)

// Version stamps every rollup row so a future aggregation change can
// re-run against older rows selectively.
const Version = 1

// stockCounters are point-in-time gauges: rolled up with MAX, never
// summed across intervals.
var stockCounters = map[string]bool{
	"storage-bytes":       true,
	"cache-storage-bytes": true,
}

// Store is the warehouse surface the engine reads and writes.
type Store interface {
	DistinctProjectsWithHourlySnapshots(ctx context.Context, since, until time.Time) ([]string, error)
	HourlySnapshotsSince(ctx context.Context, project string, since, until time.Time) ([]warehouse.HourlySnapshot, error)
	UpsertDailyRollup(ctx context.Context, r warehouse.DailyRollup) error
	DailyRollupsSince(ctx context.Context, project string, since, until time.Time) ([]warehouse.DailyRollup, error)
	DistinctProjectsWithDailyRollups(ctx context.Context, since, until time.Time) ([]string, error)
	UpsertMonthlyRollup(ctx context.Context, r warehouse.MonthlyRollup) error
	MissingDailyRollupDates(ctx context.Context, project string, lookbackDays int) ([]time.Time, error)
}

// Cache invalidates query-layer cache cells after a canonical write.
type Cache interface {
	InvalidateDailyCache(ctx context.Context, project, dateBucket string) error
}

// Engine runs the rollup passes.
type Engine struct {
	store  Store
	cache  Cache
	logger *slog.Logger

	Duration *prometheus.HistogramVec
}

// New creates a rollup Engine.
func New(store Store, cache Cache, logger *slog.Logger, duration *prometheus.HistogramVec) *Engine {
	return &Engine{store: store, cache: cache, logger: logger, Duration: duration}
}

// RollupDay aggregates every project's hourly snapshots for the given UTC
// date into one daily rollup row each. Replaying the same day produces the
// same rows (idempotent upsert), which is what gap-fill relies on.
func (e *Engine) RollupDay(ctx context.Context, date time.Time) error {
	start := time.Now()
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	projects, err := e.store.DistinctProjectsWithHourlySnapshots(ctx, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("rollup: listing projects for %s: %w", dayStart.Format("2006-01-02"), err)
	}

	for _, project := range projects {
		snaps, err := e.store.HourlySnapshotsSince(ctx, project, dayStart, dayEnd)
		if err != nil {
			return fmt.Errorf("rollup: loading hourly snapshots for %s: %w", project, err)
		}
		if len(snaps) == 0 {
			continue
		}

		counters := make(map[string]int64)
		var costUSD, bcuTotal float64
		for _, s := range snaps {
			for name, v := range s.Counters {
				if stockCounters[name] {
					if v > counters[name] {
						counters[name] = v
					}
				} else {
					counters[name] += v
				}
			}
			costUSD += s.CostUSD
			bcuTotal += s.BCUTotal
		}

		if err := e.store.UpsertDailyRollup(ctx, warehouse.DailyRollup{
			Date:          dayStart,
			Project:       project,
			Counters:      counters,
			CostUSD:       costUSD,
			BCUTotal:      bcuTotal,
			RollupVersion: Version,
		}); err != nil {
			return fmt.Errorf("rollup: writing daily rollup for %s: %w", project, err)
		}

		if err := e.cache.InvalidateDailyCache(ctx, project, dayStart.Format("2006-01-02")); err != nil {
			e.logger.Warn("rollup: cache invalidation failed", "project", project, "error", err)
		}
	}

	e.observe("daily", start)
	e.logger.Info("daily rollup complete", "date", dayStart.Format("2006-01-02"), "projects", len(projects))
	return nil
}

// RollupMonth aggregates each project's daily rollups for the month
// containing the given time into one monthly row.
func (e *Engine) RollupMonth(ctx context.Context, month time.Time) error {
	start := time.Now()
	monthStart := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	projects, err := e.store.DistinctProjectsWithDailyRollups(ctx, monthStart, monthEnd)
	if err != nil {
		return fmt.Errorf("rollup: listing projects for %s: %w", monthStart.Format("2006-01"), err)
	}

	for _, project := range projects {
		dailies, err := e.store.DailyRollupsSince(ctx, project, monthStart, monthEnd)
		if err != nil {
			return fmt.Errorf("rollup: loading daily rollups for %s: %w", project, err)
		}
		if len(dailies) == 0 {
			continue
		}

		counters := make(map[string]int64)
		var costUSD, bcuTotal float64
		for _, d := range dailies {
			for name, v := range d.Counters {
				if stockCounters[name] {
					if v > counters[name] {
						counters[name] = v
					}
				} else {
					counters[name] += v
				}
			}
			costUSD += d.CostUSD
			bcuTotal += d.BCUTotal
		}

		if err := e.store.UpsertMonthlyRollup(ctx, warehouse.MonthlyRollup{
			Month:         monthStart,
			Project:       project,
			Counters:      counters,
			CostUSD:       costUSD,
			BCUTotal:      bcuTotal,
			RollupVersion: Version,
		}); err != nil {
			return fmt.Errorf("rollup: writing monthly rollup for %s: %w", project, err)
		}
	}

	e.observe("monthly", start)
	e.logger.Info("monthly rollup complete", "month", monthStart.Format("2006-01"), "projects", len(projects))
	return nil
}

// GapFill finds dates in the last lookbackDays that have hourly snapshots
// but no daily rollup, and replays the daily aggregation for each.
func (e *Engine) GapFill(ctx context.Context, lookbackDays int) error {
	now := time.Now().UTC()
	projects, err := e.store.DistinctProjectsWithHourlySnapshots(ctx, now.AddDate(0, 0, -lookbackDays), now)
	if err != nil {
		return fmt.Errorf("rollup: listing projects for gap-fill: %w", err)
	}

	filled := make(map[string]bool)
	for _, project := range projects {
		missing, err := e.store.MissingDailyRollupDates(ctx, project, lookbackDays)
		if err != nil {
			return fmt.Errorf("rollup: finding missing dates for %s: %w", project, err)
		}
		for _, date := range missing {
			// Skip today: its hourly rows are still accumulating.
			if !date.Before(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)) {
				continue
			}
			dateKey := date.Format("2006-01-02")
			if filled[dateKey] {
				continue
			}
			filled[dateKey] = true
			e.logger.Info("gap-fill replaying daily rollup", "date", dateKey)
			if err := e.RollupDay(ctx, date); err != nil {
				return fmt.Errorf("rollup: gap-fill for %s: %w", dateKey, err)
			}
		}
	}
	return nil
}

func (e *Engine) observe(granularity string, start time.Time) {
	if e.Duration != nil {
		e.Duration.WithLabelValues(granularity).Observe(time.Since(start).Seconds())
	}
}
