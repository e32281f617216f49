package alerter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/governor/pkg/errorsampler"
	"github.com/wisbric/governor/pkg/notify"
	"github.com/wisbric/governor/pkg/warehouse"
)

type fakeStore struct {
	events      []warehouse.ErrorEvent
	success     int64
	errCount    int64
	totalsErr   error
	sinceEvents []warehouse.ErrorEvent
}

func (f *fakeStore) InsertErrorEvent(_ context.Context, e warehouse.ErrorEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) ErrorBudgetTotalsSince(context.Context, string, time.Time) (int64, int64, error) {
	return f.success, f.errCount, f.totalsErr
}

func (f *fakeStore) ErrorEventsSince(context.Context, time.Time) ([]warehouse.ErrorEvent, error) {
	return f.sinceEvents, nil
}

type fakeDeduper struct {
	seen map[string]bool
}

func (f *fakeDeduper) SetIfAbsent(_ context.Context, key, _ string, _ int64) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type recordingChannel struct {
	alerts  []notify.BreakerAlert
	digests []notify.DigestAlert
	fail    int
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) PostBreakerAlert(_ context.Context, a notify.BreakerAlert) error {
	if r.fail > 0 {
		r.fail--
		return errors.New("delivery refused")
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingChannel) PostDigest(_ context.Context, d notify.DigestAlert) error {
	r.digests = append(r.digests, d)
	return nil
}

func newTestAlerter(store *fakeStore, ch *recordingChannel) *Alerter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var channels []notify.Channel
	if ch != nil {
		channels = []notify.Channel{ch}
	}
	return New(store, &fakeDeduper{}, errorsampler.New(0.10, 0.10), channels, logger, nil, nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory string
	}{
		{"circuit breaker", errors.New("circuit breaker open for acme:api:checkout"), CategoryCircuitBreaker},
		{"timeout by message", errors.New("operation timeout after 5s"), CategoryTimeout},
		{"deadline exceeded", fmt.Errorf("fetching: %w", context.DeadlineExceeded), CategoryTimeout},
		{"auth", errors.New("unauthorized: bad token"), CategoryAuth},
		{"rate limit", errors.New("rate limit exceeded"), CategoryRateLimit},
		{"cache", errors.New("redis: connection pool exhausted"), CategoryCache},
		{"queue", errors.New("reading stream entry failed"), CategoryQueue},
		{"relational", errors.New("sql: no rows in result set"), CategoryRelational},
		{"validation", errors.New("invalid feature key"), CategoryValidation},
		{"network", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"fallback", errors.New("something unexpected"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, _ := Classify(tt.err)
			if category != tt.wantCategory {
				t.Errorf("Classify(%q) category = %s, want %s", tt.err, category, tt.wantCategory)
			}
		})
	}
}

func TestClassifyExtractsHTTPStatus(t *testing.T) {
	_, code := Classify(errors.New("upstream returned status 503"))
	if code != "503" {
		t.Fatalf("Classify() code = %q, want 503", code)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("NETWORK", "503", "fetch", "collector.go:120")
	b := Fingerprint("NETWORK", "503", "fetch", "collector.go:120")
	if a != b {
		t.Fatalf("Fingerprint() not deterministic: %s != %s", a, b)
	}
	if c := Fingerprint("NETWORK", "502", "fetch", "collector.go:120"); c == a {
		t.Fatal("Fingerprint() identical for different codes")
	}
}

func TestHandleErrorCircuitBreakerIsP0(t *testing.T) {
	store := &fakeStore{}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	batch := &errorsampler.BatchState{TotalMessages: 10, TotalErrors: 1}
	a.HandleError(context.Background(), "acme:api:checkout", CategoryCircuitBreaker, "", "corr-1", batch, time.Now())

	if len(store.events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(store.events))
	}
	if store.events[0].Priority != PriorityP0 {
		t.Fatalf("priority = %s, want P0", store.events[0].Priority)
	}
	if len(ch.alerts) != 1 {
		t.Fatalf("emitted %d alerts, want 1", len(ch.alerts))
	}
}

func TestHandleErrorDeduplicatesP0(t *testing.T) {
	store := &fakeStore{}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	batch := &errorsampler.BatchState{TotalMessages: 10, TotalErrors: 2}
	now := time.Now()
	a.HandleError(context.Background(), "acme:api:checkout", CategoryCircuitBreaker, "", "", batch, now)
	a.HandleError(context.Background(), "acme:api:checkout", CategoryCircuitBreaker, "", "", batch, now)

	if len(ch.alerts) != 1 {
		t.Fatalf("emitted %d alerts, want 1 (second should dedup)", len(ch.alerts))
	}
}

func TestHandleErrorRateEscalatesToP0(t *testing.T) {
	store := &fakeStore{success: 10, errCount: 30}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	batch := &errorsampler.BatchState{TotalMessages: 40, TotalErrors: 1}
	a.HandleError(context.Background(), "acme:api:checkout", CategoryNetwork, "", "", batch, time.Now())

	if len(store.events) != 1 || store.events[0].Priority != PriorityP0 {
		t.Fatalf("want one P0 event at 75%% window error rate, got %+v", store.events)
	}
}

func TestHandleErrorLowRateIsP1NoImmediateAlert(t *testing.T) {
	store := &fakeStore{success: 100, errCount: 2}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	batch := &errorsampler.BatchState{TotalMessages: 100, TotalErrors: 1}
	a.HandleError(context.Background(), "acme:api:checkout", CategoryValidation, "", "", batch, time.Now())

	if len(store.events) != 1 || store.events[0].Priority != PriorityP1 {
		t.Fatalf("want one P1 event, got %+v", store.events)
	}
	if len(ch.alerts) != 0 {
		t.Fatalf("emitted %d immediate alerts for a P1, want 0", len(ch.alerts))
	}
}

func TestP0DeliveryRetriesOnceThenFailsOpen(t *testing.T) {
	store := &fakeStore{}
	ch := &recordingChannel{fail: 1}
	a := newTestAlerter(store, ch)

	batch := &errorsampler.BatchState{TotalMessages: 5, TotalErrors: 1}
	a.HandleError(context.Background(), "acme:api:checkout", CategoryCircuitBreaker, "", "", batch, time.Now())

	if len(ch.alerts) != 1 {
		t.Fatalf("emitted %d alerts after one failure, want 1 via retry", len(ch.alerts))
	}
}

func TestHourlyDigestGroupsAndRanks(t *testing.T) {
	now := time.Now()
	store := &fakeStore{sinceEvents: []warehouse.ErrorEvent{
		{FeatureKey: "a:b:c", Category: CategoryValidation, Priority: PriorityP1, CreatedAt: now},
		{FeatureKey: "a:b:c", Category: CategoryValidation, Priority: PriorityP1, CreatedAt: now},
		{FeatureKey: "a:b:c", Category: CategoryValidation, Priority: PriorityP1, CreatedAt: now},
		{FeatureKey: "d:e:f", Category: CategoryNetwork, Priority: PriorityP1, CreatedAt: now},
		{FeatureKey: "g:h:i", Category: CategoryCircuitBreaker, Priority: PriorityP0, CreatedAt: now},
	}}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	if err := a.RunHourlyDigest(context.Background(), now); err != nil {
		t.Fatalf("RunHourlyDigest() error = %v", err)
	}
	if len(ch.digests) != 1 {
		t.Fatalf("posted %d digests, want 1", len(ch.digests))
	}
	d := ch.digests[0]
	if d.Period != "hourly" {
		t.Fatalf("Period = %s, want hourly", d.Period)
	}
	if len(d.Entries) != 2 {
		t.Fatalf("grouped into %d entries, want 2 (P0 excluded)", len(d.Entries))
	}
	if d.Entries[0].FeatureKey != "a:b:c" || d.Entries[0].Count != 3 {
		t.Fatalf("top entry = %+v, want a:b:c count 3", d.Entries[0])
	}
}

func TestDigestSkipsWhenNoEvents(t *testing.T) {
	store := &fakeStore{}
	ch := &recordingChannel{}
	a := newTestAlerter(store, ch)

	if err := a.RunDailySummary(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunDailySummary() error = %v", err)
	}
	if len(ch.digests) != 0 {
		t.Fatalf("posted %d digests on empty window, want 0", len(ch.digests))
	}
}
