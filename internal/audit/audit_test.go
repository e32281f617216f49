package audit

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestWriter() *Writer {
	// pool is nil: these tests exercise buffering only and never start the
	// flush goroutine.
	return NewWriter(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLogEnqueuesEntry(t *testing.T) {
	w := newTestWriter()

	w.Log("manual_disable", "acme:api:checkout", "ops", map[string]any{"reason": "incident"})

	select {
	case e := <-w.entries:
		if e.Action != "manual_disable" || e.FeatureKey != "acme:api:checkout" || e.Actor != "ops" {
			t.Fatalf("entry = %+v, want manual_disable/acme:api:checkout/ops", e)
		}
		if e.OccurredAt.IsZero() {
			t.Fatal("OccurredAt not stamped")
		}
	default:
		t.Fatal("Log() did not enqueue an entry")
	}
}

func TestLogNeverBlocksWhenBufferFull(t *testing.T) {
	w := newTestWriter()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize+10; i++ {
			w.Log("budget_edit", "a:b:c", "ops", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log() blocked on a full buffer")
	}
	if got := len(w.entries); got != bufferSize {
		t.Fatalf("buffered %d entries, want %d (overflow dropped)", got, bufferSize)
	}
}

func TestEntryString(t *testing.T) {
	e := Entry{Action: "manual_enable", FeatureKey: "acme:api:checkout", Actor: "ops"}
	want := "manual_enable acme:api:checkout by ops"
	if got := e.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
