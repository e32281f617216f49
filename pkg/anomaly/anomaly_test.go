package anomaly

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/governor/pkg/notify"
	"github.com/wisbric/governor/pkg/warehouse"
)

type fakeStore struct {
	rollups    map[string][]warehouse.DailyRollup
	unresolved map[string]bool
	inserted   []warehouse.Anomaly
}

func (f *fakeStore) DistinctProjectsWithDailyRollups(context.Context, time.Time, time.Time) ([]string, error) {
	var out []string
	for p := range f.rollups {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) DailyRollupsSince(_ context.Context, project string, since, until time.Time) ([]warehouse.DailyRollup, error) {
	var out []warehouse.DailyRollup
	for _, r := range f.rollups[project] {
		if !r.Date.Before(since) && r.Date.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) HasUnresolvedAnomaly(_ context.Context, metric, project string) (bool, error) {
	return f.unresolved[metric+"/"+project], nil
}

func (f *fakeStore) InsertAnomaly(_ context.Context, a warehouse.Anomaly) (int64, error) {
	f.inserted = append(f.inserted, a)
	return int64(len(f.inserted)), nil
}

type recordingChannel struct{ alerts []notify.BreakerAlert }

func (r *recordingChannel) Name() string { return "recording" }
func (r *recordingChannel) PostBreakerAlert(_ context.Context, a notify.BreakerAlert) error {
	r.alerts = append(r.alerts, a)
	return nil
}
func (r *recordingChannel) PostDigest(context.Context, notify.DigestAlert) error { return nil }

func day(d int) time.Time { return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC) }

// seedRollups returns one day of history per steady value (from Aug 1)
// plus the outlier on Aug 8.
func seedRollups(metric string, steady []int64, outlier int64) map[string][]warehouse.DailyRollup {
	var rows []warehouse.DailyRollup
	for i, v := range steady {
		rows = append(rows, warehouse.DailyRollup{
			Date: day(1 + i), Project: "acme", Counters: map[string]int64{metric: v},
		})
	}
	rows = append(rows, warehouse.DailyRollup{
		Date: day(8), Project: "acme", Counters: map[string]int64{metric: outlier},
	})
	return map[string][]warehouse.DailyRollup{"acme": rows}
}

func newDetector(store *fakeStore, ch *recordingChannel) *Detector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var channels []notify.Channel
	if ch != nil {
		channels = []notify.Channel{ch}
	}
	return New(store, channels, logger, nil)
}

func TestDetectsLargeDeviation(t *testing.T) {
	store := &fakeStore{rollups: seedRollups("relational-reads",
		[]int64{1000, 1050, 950, 1020, 980, 1010, 990}, 1000000)}
	ch := &recordingChannel{}
	d := newDetector(store, ch)

	if err := d.Run(context.Background(), day(8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("recorded %d anomalies, want 1", len(store.inserted))
	}
	a := store.inserted[0]
	if a.Metric != "relational-reads" || a.Project != "acme" {
		t.Fatalf("anomaly = %+v, want relational-reads/acme", a)
	}
	if a.DeviationFactor < 3.0 {
		t.Fatalf("deviation_factor = %v, want >= 3.0", a.DeviationFactor)
	}
	if len(ch.alerts) != 1 {
		t.Fatalf("emitted %d alerts, want 1", len(ch.alerts))
	}
}

func TestSteadyValueIsNotAnomalous(t *testing.T) {
	store := &fakeStore{rollups: seedRollups("relational-reads",
		[]int64{1000, 1050, 950, 1020, 980, 1010, 990}, 1005)}
	d := newDetector(store, nil)

	if err := d.Run(context.Background(), day(8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("recorded %d anomalies for a steady value, want 0", len(store.inserted))
	}
}

func TestTooFewSamplesSkipped(t *testing.T) {
	store := &fakeStore{rollups: seedRollups("relational-reads", []int64{1000, 1010}, 1000000)}
	d := newDetector(store, nil)

	if err := d.Run(context.Background(), day(8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("recorded %d anomalies with 2 history samples, want 0", len(store.inserted))
	}
}

func TestUnresolvedAnomalyDeduplicates(t *testing.T) {
	store := &fakeStore{
		rollups: seedRollups("relational-reads",
			[]int64{1000, 1050, 950, 1020, 980, 1010, 990}, 1000000),
		unresolved: map[string]bool{"relational-reads/acme": true},
	}
	ch := &recordingChannel{}
	d := newDetector(store, ch)

	if err := d.Run(context.Background(), day(8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.inserted) != 0 || len(ch.alerts) != 0 {
		t.Fatalf("inserted=%d alerts=%d, want 0/0 against an open anomaly", len(store.inserted), len(ch.alerts))
	}
}

func TestZeroStddevSkipped(t *testing.T) {
	store := &fakeStore{rollups: seedRollups("relational-reads",
		[]int64{1000, 1000, 1000, 1000, 1000, 1000, 1000}, 1000)}
	d := newDetector(store, nil)

	if err := d.Run(context.Background(), day(8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("recorded %d anomalies with zero variance and equal value, want 0", len(store.inserted))
	}
}
