// Package anomaly detects per-metric outliers against a rolling 7-day
// mean/stddev over daily rollups, records them, and raises a deduplicated
// alert per open (metric, project) pair.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/notify"
	"github.com/wisbric/governor/pkg/warehouse"
)

// Defaults.
const (
	DefaultDeviationFactor = 3.0
	DefaultMinSamples      = 3
	windowDays             = 7
)

// Store is the warehouse surface the detector reads and writes.
type Store interface {
	DistinctProjectsWithDailyRollups(ctx context.Context, since, until time.Time) ([]string, error)
	DailyRollupsSince(ctx context.Context, project string, since, until time.Time) ([]warehouse.DailyRollup, error)
	HasUnresolvedAnomaly(ctx context.Context, metric, project string) (bool, error)
	InsertAnomaly(ctx context.Context, a warehouse.Anomaly) (int64, error)
}

// Detector runs the anomaly pass.
type Detector struct {
	store    Store
	channels []notify.Channel
	logger   *slog.Logger

	// DeviationFactor is the |v − avg| / stddev threshold.
	DeviationFactor float64
	// MinSamples is the minimum history length before a value can be judged.
	MinSamples int

	Detected *prometheus.CounterVec
}

// New creates a Detector with default thresholds.
func New(store Store, channels []notify.Channel, logger *slog.Logger, detected *prometheus.CounterVec) *Detector {
	return &Detector{
		store:           store,
		channels:        channels,
		logger:          logger,
		DeviationFactor: DefaultDeviationFactor,
		MinSamples:      DefaultMinSamples,
		Detected:        detected,
	}
}

// Run evaluates the daily rollups for the given UTC date against each
// project's prior 7 days, one pass per metric. An anomaly already open
// for (metric, project) suppresses a new row and alert.
func (d *Detector) Run(ctx context.Context, date time.Time) error {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	historyStart := dayStart.AddDate(0, 0, -windowDays)

	projects, err := d.store.DistinctProjectsWithDailyRollups(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("anomaly: listing projects: %w", err)
	}

	for _, project := range projects {
		if err := d.runProject(ctx, project, historyStart, dayStart); err != nil {
			d.logger.Error("anomaly: project pass failed", "project", project, "error", err)
		}
	}
	return nil
}

func (d *Detector) runProject(ctx context.Context, project string, historyStart, dayStart time.Time) error {
	history, err := d.store.DailyRollupsSince(ctx, project, historyStart, dayStart)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	current, err := d.store.DailyRollupsSince(ctx, project, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("loading current day: %w", err)
	}
	if len(current) == 0 || len(history) < d.MinSamples {
		return nil
	}

	for metric, value := range current[0].Counters {
		values := make([]float64, 0, len(history))
		for _, h := range history {
			if v, ok := h.Counters[metric]; ok {
				values = append(values, float64(v))
			}
		}
		if len(values) < d.MinSamples {
			continue
		}

		avg, stddev := meanStddev(values)
		if stddev == 0 {
			continue
		}
		factor := math.Abs(float64(value)-avg) / stddev
		if factor < d.DeviationFactor {
			continue
		}

		open, err := d.store.HasUnresolvedAnomaly(ctx, metric, project)
		if err != nil {
			d.logger.Error("anomaly: dedup check failed", "metric", metric, "project", project, "error", err)
			continue
		}
		if open {
			continue
		}

		if _, err := d.store.InsertAnomaly(ctx, warehouse.Anomaly{
			Metric:          metric,
			Project:         project,
			ObservedValue:   float64(value),
			ExpectedMean:    avg,
			ExpectedStddev:  stddev,
			DeviationFactor: factor,
		}); err != nil {
			d.logger.Error("anomaly: recording failed", "metric", metric, "project", project, "error", err)
			continue
		}
		if d.Detected != nil {
			d.Detected.WithLabelValues(metric).Inc()
		}

		d.alert(ctx, metric, project, float64(value), avg, factor, dayStart)
	}
	return nil
}

func (d *Detector) alert(ctx context.Context, metric, project string, observed, avg, factor float64, date time.Time) {
	alert := notify.BreakerAlert{
		FeatureKey: project,
		Priority:   notify.PriorityP1,
		EventType:  "anomaly",
		Reason: fmt.Sprintf("%s observed %.0f against 7-day mean %.0f (%.1fσ) on %s",
			metric, observed, avg, factor, date.Format("2006-01-02")),
		OccurredAt: date,
	}
	for _, ch := range d.channels {
		if err := ch.PostBreakerAlert(ctx, alert); err != nil {
			d.logger.Warn("anomaly: alert delivery failed", "channel", ch.Name(), "metric", metric, "error", err)
		}
	}
	d.logger.Warn("anomaly detected",
		"metric", metric,
		"project", project,
		"observed", observed,
		"expected_mean", avg,
		"deviation_factor", factor,
	)
}

func meanStddev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSq float64
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return mean, math.Sqrt(sumSq / float64(len(values)))
}
