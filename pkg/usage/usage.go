// Package usage defines the telemetry wire shapes produced by applications:
// the resource-tagged metric bundle and the envelope message that carries
// it through the telemetry queue.
package usage

import "fmt"

// Resource is one of the closed set of resource tags a MetricBundle may
// carry. New resource families are added here, not invented ad hoc by
// callers, so every downstream component (pricing, BCU weights, budgets)
// stays in sync.
type Resource string

const (
	ResourceRelationalWrites    Resource = "relational-writes"
	ResourceRelationalReads     Resource = "relational-reads"
	ResourceCacheReads          Resource = "cache-reads"
	ResourceCacheWrites         Resource = "cache-writes"
	ResourceCacheDeletes        Resource = "cache-deletes"
	ResourceCacheLists          Resource = "cache-lists"
	ResourceObjectClassA        Resource = "object-classA"
	ResourceObjectClassB        Resource = "object-classB"
	ResourceInferenceUnits      Resource = "inference-units"
	ResourceInferenceRequests   Resource = "inference-requests"
	ResourceQueueMessages       Resource = "queue-messages"
	ResourceComputeRequests     Resource = "compute-requests"
	ResourceCPUMs               Resource = "cpu-ms"
	ResourceVectorQueries       Resource = "vector-queries"
	ResourceVectorInserts       Resource = "vector-inserts"
	ResourceDORequests          Resource = "do-requests"
	ResourceDOGBSeconds         Resource = "do-gb-seconds"
	ResourceWorkflowInvocations Resource = "workflow-invocations"
)

// AllResources lists every known resource tag, in stable order, for
// iteration in budget enforcement, pricing, and BCU weighting.
var AllResources = []Resource{
	ResourceRelationalWrites,
	ResourceRelationalReads,
	ResourceCacheReads,
	ResourceCacheWrites,
	ResourceCacheDeletes,
	ResourceCacheLists,
	ResourceObjectClassA,
	ResourceObjectClassB,
	ResourceInferenceUnits,
	ResourceInferenceRequests,
	ResourceQueueMessages,
	ResourceComputeRequests,
	ResourceCPUMs,
	ResourceVectorQueries,
	ResourceVectorInserts,
	ResourceDORequests,
	ResourceDOGBSeconds,
	ResourceWorkflowInvocations,
}

// Bundle is a mapping from resource tag to nonnegative count. Per-model
// inference counts are carried separately in Message.ModelCounts since
// model identifiers aren't part of the closed resource set.
type Bundle map[Resource]int64

// Add combines two bundles by pointwise sum (pointwise additivity).
func (b Bundle) Add(other Bundle) Bundle {
	out := make(Bundle, len(b)+len(other))
	for r, v := range b {
		out[r] += v
	}
	for r, v := range other {
		out[r] += v
	}
	return out
}

// Validate rejects negative counts; a MetricBundle is a count, never a delta.
func (b Bundle) Validate() error {
	for r, v := range b {
		if v < 0 {
			return fmt.Errorf("metric bundle: resource %q has negative value %d", r, v)
		}
	}
	return nil
}

// Message is the envelope an application emits per invocation.
type Message struct {
	FeatureKey  string `json:"feature_key"`
	Project     string `json:"project"`
	Category    string `json:"category"`
	Feature     string `json:"feature"`
	Metrics     Bundle `json:"metrics"`
	TimestampMs int64  `json:"timestamp_ms"`

	IsHeartbeat bool `json:"is_heartbeat,omitempty"`

	ErrorCount    int      `json:"error_count,omitempty"`
	ErrorCategory string   `json:"error_category,omitempty"`
	ErrorCodes    []string `json:"error_codes,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`

	RequestDurationMs *float64 `json:"request_duration_ms,omitempty"`
	ExternalCostUSD   float64  `json:"external_cost_usd,omitempty"`

	// ModelCounts carries per-model inference invocation counts, keyed by
	// model identifier, when the message reports a model breakdown.
	ModelCounts map[string]int64 `json:"model_counts,omitempty"`
}

// Validate enforces the TelemetryMessage invariant: project:category:feature
// must equal FeatureKey, and the metric bundle must be well-formed.
func (m Message) Validate() error {
	want := m.Project + ":" + m.Category + ":" + m.Feature
	if m.FeatureKey != want {
		return fmt.Errorf("telemetry message: feature_key %q does not match project:category:feature %q", m.FeatureKey, want)
	}
	if err := m.Metrics.Validate(); err != nil {
		return fmt.Errorf("telemetry message: %w", err)
	}
	return nil
}
