package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/wisbric/governor/pkg/usage"
)

type fakeStore struct {
	upserts map[string]string
	err     error
}

func (f *fakeStore) UpsertFeatureHealth(_ context.Context, featureKey, status string) error {
	if f.err != nil {
		return f.err
	}
	if f.upserts == nil {
		f.upserts = make(map[string]string)
	}
	f.upserts[featureKey] = status
	return nil
}

func TestHandleRecordsHealthy(t *testing.T) {
	store := &fakeStore{}
	h := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	msg := usage.Message{FeatureKey: "acme:api:checkout", IsHeartbeat: true}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if store.upserts["acme:api:checkout"] != StatusHealthy {
		t.Fatalf("health status = %q, want %q", store.upserts["acme:api:checkout"], StatusHealthy)
	}
}

func TestHandleWrapsStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	h := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := h.Handle(context.Background(), usage.Message{FeatureKey: "a:b:c", IsHeartbeat: true})
	if err == nil {
		t.Fatal("Handle() error = nil, want wrapped store error")
	}
	if !errors.Is(err, store.err) {
		t.Fatalf("Handle() error = %v, want it to wrap %v", err, store.err)
	}
}
