// Package consumer drains the telemetry queue in batches and dispatches
// each message to the warehouse fact store, budget and cost enforcement,
// error detection, and the degradation controller. One failed message
// retries; the batch does not fail.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wisbric/governor/internal/queue"
	"github.com/wisbric/governor/internal/telemetry"
	"github.com/wisbric/governor/pkg/alerter"
	"github.com/wisbric/governor/pkg/errorsampler"
	"github.com/wisbric/governor/pkg/pricing"
	"github.com/wisbric/governor/pkg/usage"
	"github.com/wisbric/governor/pkg/warehouse"
)

// errorBudgetWindow is the width of the rolling error-budget buckets the
// consumer upserts per feature.
const errorBudgetWindow = 5 * time.Minute

// Warehouse is the relational surface the consumer writes to.
type Warehouse interface {
	InsertUsageFact(ctx context.Context, f warehouse.UsageFact) error
	UpsertErrorBudgetWindow(ctx context.Context, w warehouse.ErrorBudgetWindow) error
	UpsertModelUsage(ctx context.Context, date time.Time, featureKey, model string, invocations int64) error
	GetSetting(ctx context.Context, project, key string) (string, bool, error)
}

// Queue is the telemetry stream reader.
type Queue interface {
	ReadBatch(ctx context.Context, count int, block time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Nack(ctx context.Context, msg queue.Message, cause error) error
}

// SettingsCache is the KVCS settings-cache surface used to avoid a
// warehouse round trip per batch for budget settings.
type SettingsCache interface {
	GetSetting(ctx context.Context, name string) (string, bool, error)
	SetSetting(ctx context.Context, name, value string) error
}

// BudgetEnforcer checks per-resource budgets.
type BudgetEnforcer interface {
	Enforce(ctx context.Context, featureKey string, metrics usage.Bundle, now time.Time) error
}

// CostEnforcer checks the rolling USD budget.
type CostEnforcer interface {
	Enforce(ctx context.Context, featureKey string, costUSD float64, now time.Time) error
}

// Heartbeats handles zero-metric health probes.
type Heartbeats interface {
	Handle(ctx context.Context, msg usage.Message) error
}

// Degrader updates throttle and latency-reservoir state.
type Degrader interface {
	UpdateThrottle(ctx context.Context, featureKey string, bcuBatchTotal, budgetLimitBCU float64, now time.Time) error
	AddLatencySample(ctx context.Context, featureKey string, cpuMs float64, now time.Time) error
}

// ErrorReporter persists and escalates error occurrences.
type ErrorReporter interface {
	HandleError(ctx context.Context, featureKey, category, code, correlationID string, batch *errorsampler.BatchState, now time.Time)
}

// Config wires a Consumer's collaborators and tuning.
type Config struct {
	Queue      Queue
	Warehouse  Warehouse
	Settings   SettingsCache
	Budget     BudgetEnforcer
	Cost       CostEnforcer
	Degrade    Degrader
	Heartbeats Heartbeats
	Errors     ErrorReporter

	Pricing pricing.Table
	Weights map[usage.Resource]pricing.BCUWeight

	BatchSize int
	Block     time.Duration

	Logger *slog.Logger

	BatchDuration prometheus.Histogram
	Messages      *prometheus.CounterVec
	SamplerActive prometheus.Counter
}

// featureBatchState accumulates per-feature totals within one batch so the
// degradation pass runs once per feature instead of once per message.
type featureBatchState struct {
	project       string
	cpuMsSamples  []float64
	bcuTotal      float64
	messageCount  int
	lastTimestamp time.Time
}

// Consumer is the telemetry batch processor.
type Consumer struct {
	cfg Config
	now func() time.Time
}

// New creates a Consumer. BatchSize defaults to 100 and Block to 5s.
func New(cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{cfg: cfg, now: time.Now}
}

// Run drains batches until ctx is cancelled. Read errors back off briefly
// and the loop continues; the consumer never exits on a transient failure.
func (c *Consumer) Run(ctx context.Context) error {
	c.cfg.Logger.Info("telemetry consumer started", "batch_size", c.cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := c.cfg.Queue.ReadBatch(ctx, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logger.Error("reading telemetry batch", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}
		c.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch runs the per-message pipeline over one batch, then the
// per-feature degradation pass. Messages are acked individually; a failed
// message is nacked for retry without failing its neighbors.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []queue.Message) {
	ctx, span := telemetry.Tracer("governor/consumer").Start(ctx, "consumer.batch")
	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	defer span.End()

	start := c.now()
	st := &errorsampler.BatchState{}
	features := make(map[string]*featureBatchState)

	for _, msg := range batch {
		st.TotalMessages++
		if err := c.processMessage(ctx, msg, st, features); err != nil {
			category, code := alerter.Classify(err)
			fp := alerter.Fingerprint(category, code, msg.Payload.FeatureKey, "consumer.processMessage")
			c.cfg.Logger.Error("processing telemetry message",
				"feature_key", msg.Payload.FeatureKey,
				"category", category,
				"fingerprint", fp,
				"retries", msg.Retries,
				"error", err,
			)
			if nackErr := c.cfg.Queue.Nack(ctx, msg, err); nackErr != nil {
				c.cfg.Logger.Error("nacking message", "id", msg.ID, "error", nackErr)
			}
			c.countMessage("retry")
			continue
		}
		if err := c.cfg.Queue.Ack(ctx, msg); err != nil {
			c.cfg.Logger.Error("acking message", "id", msg.ID, "error", err)
		}
		c.countMessage("ok")
	}

	c.afterBatch(ctx, features, st)

	if c.cfg.BatchDuration != nil {
		c.cfg.BatchDuration.Observe(c.now().Sub(start).Seconds())
	}
	c.cfg.Logger.Info("telemetry batch processed",
		"messages", st.TotalMessages,
		"errors", st.TotalErrors,
		"sampled_errors", st.SampledErrors,
		"sampling_active", st.SamplingActive,
		"features", len(features),
	)
}

func (c *Consumer) processMessage(ctx context.Context, msg queue.Message, st *errorsampler.BatchState, features map[string]*featureBatchState) error {
	m := msg.Payload
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry message: %w", err)
	}

	if m.IsHeartbeat {
		return c.cfg.Heartbeats.Handle(ctx, m)
	}

	now := c.now()
	ts := now
	if m.TimestampMs > 0 {
		ts = time.UnixMilli(m.TimestampMs)
	}

	bcu := pricing.BCU(c.cfg.Weights, m.Metrics)
	cfCost := c.cfg.Pricing.Cost(m.Metrics)
	combinedCost := pricing.RoundCost(cfCost + m.ExternalCostUSD)

	if err := c.cfg.Warehouse.InsertUsageFact(ctx, warehouse.UsageFact{
		FeatureKey:      m.FeatureKey,
		Project:         m.Project,
		RecordedAt:      ts,
		Metrics:         counterMap(m.Metrics),
		CostUSD:         combinedCost,
		ExternalCostUSD: m.ExternalCostUSD,
		BCUTotal:        bcu.Total,
		DurationMs:      m.RequestDurationMs,
	}); err != nil {
		return fmt.Errorf("writing usage fact: %w", err)
	}

	fs := features[m.FeatureKey]
	if fs == nil {
		fs = &featureBatchState{project: m.Project}
		features[m.FeatureKey] = fs
	}
	fs.bcuTotal += bcu.Total
	fs.messageCount++
	fs.lastTimestamp = ts
	if cpu := m.Metrics[usage.ResourceCPUMs]; cpu > 0 {
		fs.cpuMsSamples = append(fs.cpuMsSamples, float64(cpu))
	}

	// Enforcement failures never fail the telemetry write.
	if err := c.cfg.Budget.Enforce(ctx, m.FeatureKey, m.Metrics, now); err != nil {
		c.cfg.Logger.Error("budget enforcement failed", "feature_key", m.FeatureKey, "error", err)
	}
	if err := c.cfg.Cost.Enforce(ctx, m.FeatureKey, combinedCost, now); err != nil {
		c.cfg.Logger.Error("cost enforcement failed", "feature_key", m.FeatureKey, "error", err)
	}

	if m.ErrorCount > 0 {
		st.TotalErrors += m.ErrorCount
		for i := 0; i < m.ErrorCount; i++ {
			code := ""
			if i < len(m.ErrorCodes) {
				code = m.ErrorCodes[i]
			}
			c.cfg.Errors.HandleError(ctx, m.FeatureKey, m.ErrorCategory, code, m.CorrelationID, st, now)
		}
	}

	windowStart := ts.Truncate(errorBudgetWindow)
	window := warehouse.ErrorBudgetWindow{
		FeatureKey:   m.FeatureKey,
		WindowStart:  windowStart,
		WindowEnd:    windowStart.Add(errorBudgetWindow),
		ErrorCount:   int64(m.ErrorCount),
		SuccessCount: 1,
	}
	if m.ErrorCount > 0 {
		window.SuccessCount = 0
		window.CategoryCounts = map[string]int64{alerter.NormalizeCategory(m.ErrorCategory): int64(m.ErrorCount)}
	}
	if err := c.cfg.Warehouse.UpsertErrorBudgetWindow(ctx, window); err != nil {
		return fmt.Errorf("updating error budget window: %w", err)
	}

	for model, invocations := range m.ModelCounts {
		date := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		if err := c.cfg.Warehouse.UpsertModelUsage(ctx, date, m.FeatureKey, model, invocations); err != nil {
			return fmt.Errorf("updating model usage for %q: %w", model, err)
		}
	}

	if cpu := m.Metrics[usage.ResourceCPUMs]; cpu > 0 {
		if err := c.cfg.Degrade.AddLatencySample(ctx, m.FeatureKey, float64(cpu), now); err != nil {
			c.cfg.Logger.Warn("reservoir update failed", "feature_key", m.FeatureKey, "error", err)
		}
	}

	return nil
}

// afterBatch runs intelligent degradation once per feature seen,
// amortizing the KVCS round trips over the whole batch.
func (c *Consumer) afterBatch(ctx context.Context, features map[string]*featureBatchState, st *errorsampler.BatchState) {
	now := c.now()
	for key, fs := range features {
		limit := c.bcuBudgetFor(ctx, fs.project)
		if limit <= 0 {
			continue
		}
		if err := c.cfg.Degrade.UpdateThrottle(ctx, key, fs.bcuTotal, limit, now); err != nil {
			c.cfg.Logger.Warn("throttle update failed", "feature_key", key, "error", err)
		}
	}
	if st.SamplingActive && c.cfg.SamplerActive != nil {
		c.cfg.SamplerActive.Inc()
	}
}

// bcuBudgetFor resolves the project's BCU soft limit: KVCS settings cache
// first, warehouse usage_settings on a miss (result cached back). Zero
// means no limit is configured and throttling is skipped.
func (c *Consumer) bcuBudgetFor(ctx context.Context, project string) float64 {
	cacheName := "budget_soft_limit:" + project
	if raw, found, err := c.cfg.Settings.GetSetting(ctx, cacheName); err == nil && found {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	} else if err != nil {
		c.cfg.Logger.Warn("settings cache read failed", "project", project, "error", err)
	}

	raw, found, err := c.cfg.Warehouse.GetSetting(ctx, project, "budget_soft_limit")
	if err != nil {
		c.cfg.Logger.Warn("loading budget_soft_limit", "project", project, "error", err)
		return 0
	}
	if !found {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.cfg.Logger.Warn("unparsable budget_soft_limit", "project", project, "value", raw)
		return 0
	}
	if err := c.cfg.Settings.SetSetting(ctx, cacheName, raw); err != nil {
		c.cfg.Logger.Warn("settings cache write failed", "project", project, "error", err)
	}
	return v
}

func (c *Consumer) countMessage(outcome string) {
	if c.cfg.Messages != nil {
		c.cfg.Messages.WithLabelValues(outcome).Inc()
	}
}

func counterMap(b usage.Bundle) map[string]int64 {
	out := make(map[string]int64, len(b))
	for r, v := range b {
		out[string(r)] = v
	}
	return out
}
