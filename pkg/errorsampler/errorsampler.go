// Package errorsampler implements adaptive down-sampling of error
// persistence: once a batch's error rate crosses the trigger threshold,
// non-critical errors are stored probabilistically instead of one row per
// error, capping warehouse write amplification during incidents.
package errorsampler

import "math/rand/v2"

// Default policy values.
const (
	DefaultTriggerThreshold = 0.10
	DefaultSampleRate       = 0.10
)

// BatchState is the per-batch sampling state the Telemetry Consumer carries
// while draining one batch. A fresh BatchState is created for every batch;
// sampling decisions never leak across batch boundaries.
type BatchState struct {
	TotalMessages  int
	TotalErrors    int
	SampledErrors  int
	SamplingActive bool
}

// ErrorRate returns the batch's running error rate, 0 when no messages
// have been seen yet.
func (b *BatchState) ErrorRate() float64 {
	if b.TotalMessages == 0 {
		return 0
	}
	return float64(b.TotalErrors) / float64(b.TotalMessages)
}

// Sampler decides whether an individual error event should be persisted.
type Sampler struct {
	// TriggerThreshold is the batch error rate at which sampling engages.
	TriggerThreshold float64
	// SampleRate is the persist probability once sampling is active.
	SampleRate float64

	neverSample map[string]bool
	randFloat   func() float64
}

// neverSampleCategories are always persisted regardless of batch error
// rate: losing these would blind the operator to the exact failures that
// matter most under load.
var neverSampleCategories = []string{"CIRCUIT_BREAKER", "AUTH", "INTERNAL"}

// New creates a Sampler with the given trigger threshold and sample rate.
// Non-positive arguments fall back to the defaults.
func New(triggerThreshold, sampleRate float64) *Sampler {
	if triggerThreshold <= 0 {
		triggerThreshold = DefaultTriggerThreshold
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	never := make(map[string]bool, len(neverSampleCategories))
	for _, c := range neverSampleCategories {
		never[c] = true
	}
	return &Sampler{
		TriggerThreshold: triggerThreshold,
		SampleRate:       sampleRate,
		neverSample:      never,
		randFloat:        rand.Float64,
	}
}

// ShouldPersist reports whether one error of the given category should be
// written to the warehouse, updating the batch state. Callers must have
// already counted the error into st.TotalErrors — the decision is based on
// the rate including this error. Critical categories always persist.
func (s *Sampler) ShouldPersist(st *BatchState, category string) bool {
	if s.neverSample[category] {
		st.SampledErrors++
		return true
	}
	if st.ErrorRate() < s.TriggerThreshold {
		st.SampledErrors++
		return true
	}
	st.SamplingActive = true
	if s.randFloat() < s.SampleRate {
		st.SampledErrors++
		return true
	}
	return false
}
