// Package query serves aggregated usage to dashboards: time-bucketed
// reads with a multi-tier fallback between the near-real-time hourly
// snapshot store and the canonical daily rollups, plus live breaker and
// throttle state from the KVCS.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wisbric/governor/pkg/warehouse"
)

// Source tier labels attached to every response.
const (
	SourceLive     = "live"
	SourceRollup   = "rollup"
	SourceCombined = "live+rollup"
	SourceNone     = "none"
)

// DefaultHourlyRetention is how far back the hourly snapshot tier is
// assumed to reach before reads fall through to daily rollups.
const DefaultHourlyRetention = 72 * time.Hour

// Store is the warehouse surface the service reads.
type Store interface {
	HourlySnapshotsSince(ctx context.Context, project string, since, until time.Time) ([]warehouse.HourlySnapshot, error)
	DailyRollupsSince(ctx context.Context, project string, since, until time.Time) ([]warehouse.DailyRollup, error)
	ListFeatureRegistrations(ctx context.Context, project string) ([]warehouse.FeatureRegistration, error)
}

// DayBucket is one aggregated day of a usage response.
type DayBucket struct {
	Date     string           `json:"date"`
	Counters map[string]int64 `json:"counters"`
	CostUSD  float64          `json:"cost_usd"`
	BCUTotal float64          `json:"bcu_total"`
}

// UsageResult is a time-bucketed usage response with its source tier.
type UsageResult struct {
	Project string      `json:"project"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Source  string      `json:"source"`
	Buckets []DayBucket `json:"buckets"`
	Note    string      `json:"note,omitempty"`
}

// Service answers dashboard usage queries.
type Service struct {
	store  Store
	logger *slog.Logger

	// HourlyRetention bounds the live tier's reach.
	HourlyRetention time.Duration
	now             func() time.Time
}

// NewService creates a query Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, HourlyRetention: DefaultHourlyRetention, now: time.Now}
}

// Usage returns per-day aggregates for [from, to). Recent days come from
// the hourly snapshot tier; days beyond its retention come from daily
// rollups; a period straddling the boundary reads both and merges with
// dedup by date, preferring the canonical rollup row.
func (s *Service) Usage(ctx context.Context, project string, from, to time.Time) (UsageResult, error) {
	if !from.Before(to) {
		return UsageResult{}, fmt.Errorf("query: from %s is not before to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	now := s.now().UTC()
	retentionFloor := now.Add(-s.HourlyRetention)

	result := UsageResult{
		Project: project,
		From:    from.Format("2006-01-02"),
		To:      to.Format("2006-01-02"),
	}

	byDate := make(map[string]DayBucket)
	usedLive, usedRollup := false, false

	if to.After(retentionFloor) {
		liveFrom := from
		if liveFrom.Before(retentionFloor) {
			liveFrom = retentionFloor
		}
		snaps, err := s.store.HourlySnapshotsSince(ctx, project, liveFrom, to)
		if err != nil {
			s.logger.Warn("query: live tier read failed, falling back to rollups", "project", project, "error", err)
		} else {
			for _, snap := range snaps {
				mergeInto(byDate, snap.TimeBucket, snap.Counters, snap.CostUSD, snap.BCUTotal)
				usedLive = true
			}
		}
	}

	if from.Before(retentionFloor) || !usedLive {
		rollups, err := s.store.DailyRollupsSince(ctx, project, from, to)
		if err != nil {
			return UsageResult{}, fmt.Errorf("query: reading daily rollups: %w", err)
		}
		for _, r := range rollups {
			// Canonical rollups replace any live-tier aggregate for the
			// same date.
			date := r.Date.Format("2006-01-02")
			byDate[date] = DayBucket{Date: date, Counters: r.Counters, CostUSD: r.CostUSD, BCUTotal: r.BCUTotal}
			usedRollup = true
		}
	}

	switch {
	case usedLive && usedRollup:
		result.Source = SourceCombined
	case usedLive:
		result.Source = SourceLive
	case usedRollup:
		result.Source = SourceRollup
	default:
		result.Source = SourceNone
		result.Note = "no usage recorded for this period"
	}

	result.Buckets = sortedBuckets(byDate)
	return result, nil
}

// Features lists the registered features for a project (all projects when
// project is empty).
func (s *Service) Features(ctx context.Context, project string) ([]warehouse.FeatureRegistration, error) {
	regs, err := s.store.ListFeatureRegistrations(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("query: listing features: %w", err)
	}
	return regs, nil
}

func mergeInto(byDate map[string]DayBucket, bucket time.Time, counters map[string]int64, costUSD, bcuTotal float64) {
	date := bucket.UTC().Format("2006-01-02")
	day, ok := byDate[date]
	if !ok {
		day = DayBucket{Date: date, Counters: make(map[string]int64)}
	}
	for k, v := range counters {
		day.Counters[k] += v
	}
	day.CostUSD += costUSD
	day.BCUTotal += bcuTotal
	byDate[date] = day
}

func sortedBuckets(byDate map[string]DayBucket) []DayBucket {
	out := make([]DayBucket, 0, len(byDate))
	for _, b := range byDate {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
