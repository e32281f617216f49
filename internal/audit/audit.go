// Package audit is an async, buffered writer for the control-plane audit
// trail: manual breaker toggles and budget and cost-budget limit edits are
// recorded here and batched into the flat audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit log entry to be written.
type Entry struct {
	Action     string
	FeatureKey string
	Actor      string
	Detail     map[string]any
	OccurredAt time.Time
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes audit entries to the
// database and returns immediately. The goroutine runs until ctx is
// cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning is
// logged. Satisfies notify.AuditWriter.
func (w *Writer) Log(action, featureKey, actor string, detail map[string]any) {
	entry := Entry{
		Action:     action,
		FeatureKey: featureKey,
		Actor:      actor,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", action, "feature_key", featureKey)
	}
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the audit_log table.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		detail := e.Detail
		if detail == nil {
			detail = map[string]any{}
		}
		body, err := json.Marshal(detail)
		if err != nil {
			w.logger.Error("marshaling audit detail", "error", err, "action", e.Action)
			continue
		}

		_, err = w.pool.Exec(ctx, `
			INSERT INTO audit_log (action, feature_key, actor, detail, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.Action, e.FeatureKey, e.Actor, body, e.OccurredAt)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err, "action", e.Action, "feature_key", e.FeatureKey)
		}
	}
}

var _ fmt.Stringer = (*Entry)(nil)

// String renders a compact log-friendly summary of the entry.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s by %s", e.Action, e.FeatureKey, e.Actor)
}
