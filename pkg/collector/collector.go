// Package collector runs the hourly collection cycle: pull cumulative
// counters from the external telemetry source, compute capped deltas
// against the previous hour, persist hourly and resource-level snapshots,
// and drive the midnight rollup/anomaly/cleanup passes.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/pricing"
	"github.com/wisbric/governor/pkg/usage"
	"github.com/wisbric/governor/pkg/warehouse"
)

// SamplingMode gates how often a collection cycle actually runs: the
// scheduler fires every hour but only collects on hours divisible by the
// mode, trading freshness against warehouse write budget.
type SamplingMode int

// Modes, by trailing-24h write-volume ratio.
const (
	SamplingFull    SamplingMode = 1
	SamplingHalf    SamplingMode = 2
	SamplingQuarter SamplingMode = 4
	SamplingMinimal SamplingMode = 24
)

func (m SamplingMode) String() string {
	switch m {
	case SamplingFull:
		return "full"
	case SamplingHalf:
		return "half"
	case SamplingQuarter:
		return "quarter"
	default:
		return "minimal"
	}
}

// SamplingModeForRatio picks the mode from the write-volume ratio using
// the 0.6 / 0.8 / 0.9 thresholds.
func SamplingModeForRatio(ratio float64) SamplingMode {
	switch {
	case ratio < 0.6:
		return SamplingFull
	case ratio < 0.8:
		return SamplingHalf
	case ratio < 0.9:
		return SamplingQuarter
	default:
		return SamplingMinimal
	}
}

// AccountProject is the project name the account-level hourly row is
// booked under.
const AccountProject = "account"

// resourceBatchSize bounds resource-level snapshot writes per statement
// batch for write-amplification control.
const resourceBatchSize = 25

// defaultMaxDeltas caps each hourly delta per resource so a cumulative
// value can't be booked as an hour of usage when the previous counter
// expired. Deployment-tunable through the max_reasonable_deltas setting.
var defaultMaxDeltas = map[string]int64{
	"relational-writes":    5_000_000,
	"relational-reads":     50_000_000,
	"cache-reads":          100_000_000,
	"cache-writes":         20_000_000,
	"cache-deletes":        20_000_000,
	"cache-lists":          5_000_000,
	"object-classA":        10_000_000,
	"object-classB":        50_000_000,
	"inference-units":      5_000_000,
	"inference-requests":   1_000_000,
	"queue-messages":       50_000_000,
	"compute-requests":     100_000_000,
	"cpu-ms":               500_000_000,
	"vector-queries":       5_000_000,
	"vector-inserts":       5_000_000,
	"do-requests":          50_000_000,
	"do-gb-seconds":        100_000_000,
	"workflow-invocations": 1_000_000,
}

// fallbackMaxDelta applies to resources without a named cap.
const fallbackMaxDelta = 10_000_000

// Store is the warehouse surface the scheduler uses.
type Store interface {
	UpsertHourlySnapshot(ctx context.Context, snap warehouse.HourlySnapshot) error
	InsertResourceSnapshotsBatched(ctx context.Context, rows []warehouse.ResourceSnapshot, batchSize int) error
	SumHourlyCounterSince(ctx context.Context, counter string, since time.Time) (int64, error)
	GetSetting(ctx context.Context, project, key string) (string, bool, error)
	DeleteStaleFeatureRegistrations(ctx context.Context, olderThanDays int) (int64, error)
	DeleteErrorEventsOlderThan(ctx context.Context, days int) (int64, error)
	DeleteUsageFactsOlderThan(ctx context.Context, days int) (int64, error)
}

// KV is the KVCS surface: previous-hour counters and the global stop flag.
type KV interface {
	GetPrevHourAccountMetrics(ctx context.Context, dst any) (bool, error)
	SetPrevHourAccountMetrics(ctx context.Context, v any) error
	GetSetting(ctx context.Context, name string) (string, bool, error)
}

// Rollups is the rollup engine surface driven at midnight.
type Rollups interface {
	RollupDay(ctx context.Context, date time.Time) error
	RollupMonth(ctx context.Context, month time.Time) error
	GapFill(ctx context.Context, lookbackDays int) error
}

// AnomalyPass is the anomaly detector surface driven after the daily rollup.
type AnomalyPass interface {
	Run(ctx context.Context, date time.Time) error
}

// prevCounters is the PREV_HOUR_ACCOUNT_METRICS cell payload.
type prevCounters struct {
	Account     map[string]int64            `json:"account"`
	Projects    map[string]map[string]int64 `json:"projects"`
	CollectedAt time.Time                   `json:"collected_at"`
}

// Scheduler drives the hourly collection cycle and midnight maintenance.
type Scheduler struct {
	source    Source
	store     Store
	kv        KV
	rollups   Rollups
	anomalies AnomalyPass
	watchdog  Watchdog
	logger    *slog.Logger

	pricing pricing.Table
	weights map[usage.Resource]pricing.BCUWeight

	// D1WriteLimit is the warehouse's daily write budget; the trailing-24h
	// relational-write volume over this ratio picks the sampling mode.
	D1WriteLimit int64
	// MonthlyBaseUSD is the fixed monthly platform cost pro-rated into
	// each hourly account row (1/720 per hour).
	MonthlyBaseUSD float64

	GapFillLookbackDays int
	ErrorRetentionDays  int
	FactRetentionDays   int
	RegistryStaleDays   int

	Runs *prometheus.CounterVec

	backoff []time.Duration
	now     func() time.Time
}

// New creates a Scheduler with default retention and backoff settings.
func New(source Source, store Store, kv KV, rollups Rollups, anomalies AnomalyPass, watchdog Watchdog, table pricing.Table, weights map[usage.Resource]pricing.BCUWeight, d1WriteLimit int64, logger *slog.Logger, runs *prometheus.CounterVec) *Scheduler {
	return &Scheduler{
		source:              source,
		store:               store,
		kv:                  kv,
		rollups:             rollups,
		anomalies:           anomalies,
		watchdog:            watchdog,
		logger:              logger,
		pricing:             table,
		weights:             weights,
		D1WriteLimit:        d1WriteLimit,
		GapFillLookbackDays: 7,
		ErrorRetentionDays:  7,
		FactRetentionDays:   3,
		RegistryStaleDays:   90,
		Runs:                runs,
		backoff:             []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		now:                 time.Now,
	}
}

// Run fires RunHour at the top of every hour until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("collection scheduler started")
	for {
		now := s.now()
		next := now.Truncate(time.Hour).Add(time.Hour)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}

		if err := s.RunHour(ctx, s.now()); err != nil {
			s.logger.Error("collection cycle failed", "error", err)
			s.countRun("error")
		} else {
			s.countRun("ok")
		}
	}
}

// RunHour executes one scheduled cycle for the hour containing now.
func (s *Scheduler) RunHour(ctx context.Context, now time.Time) error {
	now = now.UTC()

	if stopped, err := s.globallyStopped(ctx); err != nil {
		s.logger.Warn("reading global stop flag", "error", err)
	} else if stopped {
		s.logger.Info("collection globally stopped, skipping cycle")
		s.countRun("stopped")
		return nil
	}

	mode, err := s.samplingMode(ctx, now)
	if err != nil {
		s.logger.Warn("computing sampling mode, assuming full", "error", err)
		mode = SamplingFull
	}
	if now.Hour()%int(mode) != 0 {
		s.logger.Info("sampling mode skips this hour", "mode", mode.String(), "hour", now.Hour())
		s.countRun("skipped")
		return nil
	}

	if err := s.source.Validate(ctx); err != nil {
		s.pingWatchdog(ctx, false)
		return fmt.Errorf("collector: credential validation failed, aborting cycle: %w", err)
	}

	snap, err := s.fetchWithBackoff(ctx)
	if err != nil {
		s.pingWatchdog(ctx, false)
		return fmt.Errorf("collector: %w", err)
	}

	if err := s.persistCycle(ctx, now, mode, snap); err != nil {
		s.pingWatchdog(ctx, false)
		return err
	}

	if now.Hour() == 0 {
		s.runMidnight(ctx, now)
	}

	s.pingWatchdog(ctx, true)
	return nil
}

func (s *Scheduler) globallyStopped(ctx context.Context) (bool, error) {
	val, found, err := s.kv.GetSetting(ctx, "global_collection_stop")
	if err != nil {
		return false, err
	}
	return found && val == "true", nil
}

func (s *Scheduler) samplingMode(ctx context.Context, now time.Time) (SamplingMode, error) {
	if s.D1WriteLimit <= 0 {
		return SamplingFull, nil
	}
	writes, err := s.store.SumHourlyCounterSince(ctx, string(usage.ResourceRelationalWrites), now.Add(-24*time.Hour))
	if err != nil {
		return SamplingFull, err
	}
	return SamplingModeForRatio(float64(writes) / float64(s.D1WriteLimit)), nil
}

func (s *Scheduler) fetchWithBackoff(ctx context.Context) (CumulativeSnapshot, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		snap, err := s.source.FetchCumulative(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if attempt >= len(s.backoff) {
			break
		}
		s.logger.Warn("cumulative fetch failed, backing off",
			"attempt", attempt+1,
			"backoff", s.backoff[attempt].String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return CumulativeSnapshot{}, ctx.Err()
		case <-time.After(s.backoff[attempt]):
		}
	}
	return CumulativeSnapshot{}, fmt.Errorf("fetching cumulative counters after %d attempts: %w", len(s.backoff)+1, lastErr)
}

// persistCycle computes deltas, writes the account and per-project hourly
// rows plus batched resource rows, and stores the new cumulative counters.
func (s *Scheduler) persistCycle(ctx context.Context, now time.Time, mode SamplingMode, snap CumulativeSnapshot) error {
	bucket := now.Truncate(time.Hour).Add(-time.Hour)
	caps := s.loadDeltaCaps(ctx)

	var prev prevCounters
	prevFound, err := s.kv.GetPrevHourAccountMetrics(ctx, &prev)
	if err != nil {
		s.logger.Warn("loading previous hour counters, treating as missing", "error", err)
		prevFound = false
	}

	accountDeltas := deltas(snap.Account, prevAccount(prev, prevFound), caps)
	if err := s.upsertHourly(ctx, bucket, AccountProject, accountDeltas, mode, s.MonthlyBaseUSD/720); err != nil {
		return err
	}

	var resourceRows []warehouse.ResourceSnapshot
	for project, current := range snap.Projects {
		var prevProject map[string]int64
		if prevFound {
			prevProject = prev.Projects[project]
		}
		projectDeltas := deltas(current, prevProject, caps)
		if err := s.upsertHourly(ctx, bucket, project, projectDeltas, mode, 0); err != nil {
			return err
		}
		for resource, count := range projectDeltas {
			if count == 0 {
				continue
			}
			resourceRows = append(resourceRows, warehouse.ResourceSnapshot{
				TimeBucket:      bucket,
				ResourceType:    resource,
				ResourceID:      project,
				Project:         project,
				Count:           count,
				CostUSD:         s.pricing.Cost(usage.Bundle{usage.Resource(resource): count}),
				Source:          "collector",
				Confidence:      1.0,
				AllocationBasis: "direct",
			})
		}
	}
	if err := s.store.InsertResourceSnapshotsBatched(ctx, resourceRows, resourceBatchSize); err != nil {
		return fmt.Errorf("collector: writing resource snapshots: %w", err)
	}

	next := prevCounters{Account: snap.Account, Projects: snap.Projects, CollectedAt: now}
	if err := s.kv.SetPrevHourAccountMetrics(ctx, next); err != nil {
		return fmt.Errorf("collector: storing cumulative counters: %w", err)
	}

	s.logger.Info("collection cycle persisted",
		"bucket", bucket.Format(time.RFC3339),
		"mode", mode.String(),
		"projects", len(snap.Projects),
		"resource_rows", len(resourceRows),
	)
	return nil
}

func (s *Scheduler) upsertHourly(ctx context.Context, bucket time.Time, project string, counters map[string]int64, mode SamplingMode, baseCostUSD float64) error {
	bundle := bundleFromCounters(counters)
	bcu := pricing.BCU(s.weights, bundle)
	snap := warehouse.HourlySnapshot{
		TimeBucket:          bucket,
		Project:             project,
		Counters:            counters,
		CostUSD:             pricing.RoundCost(baseCostUSD + s.pricing.Cost(bundle)),
		BCUTotal:            bcu.Total,
		SamplingMode:        mode.String(),
		CollectionTimestamp: s.now().UTC(),
	}
	if err := s.store.UpsertHourlySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("collector: writing hourly snapshot for %s: %w", project, err)
	}
	return nil
}

// loadDeltaCaps merges the max_reasonable_deltas setting over the
// compiled-in defaults.
func (s *Scheduler) loadDeltaCaps(ctx context.Context) map[string]int64 {
	caps := make(map[string]int64, len(defaultMaxDeltas))
	for k, v := range defaultMaxDeltas {
		caps[k] = v
	}
	raw, found, err := s.store.GetSetting(ctx, "all", "max_reasonable_deltas")
	if err != nil {
		s.logger.Warn("loading max_reasonable_deltas, using defaults", "error", err)
		return caps
	}
	if !found {
		return caps
	}
	var overrides map[string]int64
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		s.logger.Warn("unparsable max_reasonable_deltas setting, using defaults", "error", err)
		return caps
	}
	for k, v := range overrides {
		caps[k] = v
	}
	return caps
}

// runMidnight executes the daily maintenance chain. Failures are logged
// per step; a broken rollup must not block retention cleanup.
func (s *Scheduler) runMidnight(ctx context.Context, now time.Time) {
	yesterday := now.AddDate(0, 0, -1)

	if err := s.rollups.RollupDay(ctx, yesterday); err != nil {
		s.logger.Error("daily rollup failed", "error", err)
	}
	if now.Day() == 1 {
		if err := s.rollups.RollupMonth(ctx, yesterday); err != nil {
			s.logger.Error("monthly rollup failed", "error", err)
		}
	}
	if err := s.rollups.GapFill(ctx, s.GapFillLookbackDays); err != nil {
		s.logger.Error("gap-fill failed", "error", err)
	}
	if n, err := s.store.DeleteStaleFeatureRegistrations(ctx, s.RegistryStaleDays); err != nil {
		s.logger.Error("registry cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("registry cleanup", "deleted", n)
	}
	if err := s.anomalies.Run(ctx, yesterday); err != nil {
		s.logger.Error("anomaly pass failed", "error", err)
	}
	if n, err := s.store.DeleteErrorEventsOlderThan(ctx, s.ErrorRetentionDays); err != nil {
		s.logger.Error("error event cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("error event cleanup", "deleted", n)
	}
	if n, err := s.store.DeleteUsageFactsOlderThan(ctx, s.FactRetentionDays); err != nil {
		s.logger.Error("usage fact cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("usage fact cleanup", "deleted", n)
	}
}

func (s *Scheduler) pingWatchdog(ctx context.Context, ok bool) {
	if s.watchdog == nil {
		return
	}
	if err := s.watchdog.Ping(ctx, ok); err != nil {
		s.logger.Warn("watchdog ping failed", "error", err)
	}
}

func (s *Scheduler) countRun(outcome string) {
	if s.Runs != nil {
		s.Runs.WithLabelValues(outcome).Inc()
	}
}

func prevAccount(prev prevCounters, found bool) map[string]int64 {
	if !found {
		return nil
	}
	return prev.Account
}

// deltas computes per-metric current − previous, clamped nonnegative and
// capped. A missing previous value books min(current, cap) instead of the
// raw cumulative figure.
func deltas(current, previous map[string]int64, caps map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(current))
	for metric, curr := range current {
		limit := caps[metric]
		if limit == 0 {
			limit = fallbackMaxDelta
		}
		var d int64
		if previous == nil {
			d = curr
		} else if prev, ok := previous[metric]; ok {
			d = curr - prev
		} else {
			d = curr
		}
		if d < 0 {
			d = 0
		}
		if d > limit {
			d = limit
		}
		out[metric] = d
	}
	return out
}

func bundleFromCounters(counters map[string]int64) usage.Bundle {
	b := make(usage.Bundle, len(counters))
	for k, v := range counters {
		b[usage.Resource(k)] = v
	}
	return b
}
