package rollup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/governor/pkg/warehouse"
)

type fakeStore struct {
	hourly  map[string][]warehouse.HourlySnapshot
	daily   map[string][]warehouse.DailyRollup
	missing map[string][]time.Time
	dailyUp []warehouse.DailyRollup
	monthUp []warehouse.MonthlyRollup
}

func (f *fakeStore) DistinctProjectsWithHourlySnapshots(context.Context, time.Time, time.Time) ([]string, error) {
	var out []string
	for p := range f.hourly {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) HourlySnapshotsSince(_ context.Context, project string, since, until time.Time) ([]warehouse.HourlySnapshot, error) {
	var out []warehouse.HourlySnapshot
	for _, s := range f.hourly[project] {
		if !s.TimeBucket.Before(since) && s.TimeBucket.Before(until) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertDailyRollup(_ context.Context, r warehouse.DailyRollup) error {
	f.dailyUp = append(f.dailyUp, r)
	return nil
}

func (f *fakeStore) DailyRollupsSince(_ context.Context, project string, _, _ time.Time) ([]warehouse.DailyRollup, error) {
	return f.daily[project], nil
}

func (f *fakeStore) DistinctProjectsWithDailyRollups(context.Context, time.Time, time.Time) ([]string, error) {
	var out []string
	for p := range f.daily {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpsertMonthlyRollup(_ context.Context, r warehouse.MonthlyRollup) error {
	f.monthUp = append(f.monthUp, r)
	return nil
}

func (f *fakeStore) MissingDailyRollupDates(_ context.Context, project string, _ int) ([]time.Time, error) {
	return f.missing[project], nil
}

type fakeCache struct{ invalidated []string }

func (f *fakeCache) InvalidateDailyCache(_ context.Context, project, dateBucket string) error {
	f.invalidated = append(f.invalidated, project+"/"+dateBucket)
	return nil
}

func newEngine(store *fakeStore, cache *fakeCache) *Engine {
	return New(store, cache, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRollupDaySumsFlowsAndMaxesStocks(t *testing.T) {
	d := day(2026, 8, 1)
	store := &fakeStore{hourly: map[string][]warehouse.HourlySnapshot{
		"acme": {
			{TimeBucket: d.Add(1 * time.Hour), Counters: map[string]int64{"relational-writes": 100, "storage-bytes": 500}, CostUSD: 0.5, BCUTotal: 10},
			{TimeBucket: d.Add(2 * time.Hour), Counters: map[string]int64{"relational-writes": 50, "storage-bytes": 700}, CostUSD: 0.25, BCUTotal: 5},
		},
	}}
	cache := &fakeCache{}
	e := newEngine(store, cache)

	if err := e.RollupDay(context.Background(), d); err != nil {
		t.Fatalf("RollupDay() error = %v", err)
	}
	if len(store.dailyUp) != 1 {
		t.Fatalf("wrote %d daily rollups, want 1", len(store.dailyUp))
	}
	r := store.dailyUp[0]
	if r.Counters["relational-writes"] != 150 {
		t.Errorf("relational-writes = %d, want 150 (SUM)", r.Counters["relational-writes"])
	}
	if r.Counters["storage-bytes"] != 700 {
		t.Errorf("storage-bytes = %d, want 700 (MAX)", r.Counters["storage-bytes"])
	}
	if r.CostUSD != 0.75 {
		t.Errorf("cost = %v, want 0.75", r.CostUSD)
	}
	if r.RollupVersion != Version {
		t.Errorf("rollup_version = %d, want %d", r.RollupVersion, Version)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "acme/2026-08-01" {
		t.Errorf("cache invalidations = %v, want [acme/2026-08-01]", cache.invalidated)
	}
}

func TestRollupDayIdempotent(t *testing.T) {
	d := day(2026, 8, 1)
	store := &fakeStore{hourly: map[string][]warehouse.HourlySnapshot{
		"acme": {{TimeBucket: d.Add(time.Hour), Counters: map[string]int64{"relational-reads": 9}, CostUSD: 0.1}},
	}}
	e := newEngine(store, &fakeCache{})

	if err := e.RollupDay(context.Background(), d); err != nil {
		t.Fatalf("first RollupDay() error = %v", err)
	}
	if err := e.RollupDay(context.Background(), d); err != nil {
		t.Fatalf("second RollupDay() error = %v", err)
	}
	first, second := store.dailyUp[0], store.dailyUp[1]
	if first.Counters["relational-reads"] != second.Counters["relational-reads"] || first.CostUSD != second.CostUSD {
		t.Fatalf("replay produced different row: %+v vs %+v", first, second)
	}
}

func TestRollupMonthAggregatesDailies(t *testing.T) {
	store := &fakeStore{daily: map[string][]warehouse.DailyRollup{
		"acme": {
			{Date: day(2026, 7, 1), Counters: map[string]int64{"queue-messages": 10}, CostUSD: 1, BCUTotal: 2},
			{Date: day(2026, 7, 2), Counters: map[string]int64{"queue-messages": 20}, CostUSD: 2, BCUTotal: 3},
		},
	}}
	e := newEngine(store, &fakeCache{})

	if err := e.RollupMonth(context.Background(), day(2026, 7, 15)); err != nil {
		t.Fatalf("RollupMonth() error = %v", err)
	}
	if len(store.monthUp) != 1 {
		t.Fatalf("wrote %d monthly rollups, want 1", len(store.monthUp))
	}
	m := store.monthUp[0]
	if m.Month != day(2026, 7, 1) {
		t.Errorf("month bucket = %v, want 2026-07-01", m.Month)
	}
	if m.Counters["queue-messages"] != 30 || m.CostUSD != 3 {
		t.Errorf("aggregates = %+v, want queue-messages=30 cost=3", m)
	}
}

func TestGapFillReplaysMissingDates(t *testing.T) {
	missing := day(2026, 7, 30)
	store := &fakeStore{
		hourly: map[string][]warehouse.HourlySnapshot{
			"acme": {{TimeBucket: missing.Add(3 * time.Hour), Counters: map[string]int64{"cache-reads": 7}}},
		},
		missing: map[string][]time.Time{"acme": {missing}},
	}
	e := newEngine(store, &fakeCache{})

	if err := e.GapFill(context.Background(), 7); err != nil {
		t.Fatalf("GapFill() error = %v", err)
	}
	if len(store.dailyUp) != 1 {
		t.Fatalf("gap-fill wrote %d rollups, want 1", len(store.dailyUp))
	}
	if store.dailyUp[0].Date != missing {
		t.Fatalf("gap-fill date = %v, want %v", store.dailyUp[0].Date, missing)
	}
}
