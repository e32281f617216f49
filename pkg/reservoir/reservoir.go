// Package reservoir implements Algorithm R reservoir sampling with O(1)
// memory for estimating latency percentiles from an unbounded stream.
package reservoir

import (
	"math/rand/v2"
	"sort"
)

// DefaultSize is the fixed sample size used when none is specified.
const DefaultSize = 200

// State is the per-feature reservoir: a fixed-capacity sample plus the
// running count of items seen.
type State struct {
	Samples      []float64 `json:"samples"`
	TotalSeen    int64     `json:"total_seen"`
	LastUpdateMs int64     `json:"last_update_ms"`

	size int
	// percentilesCache is not serialized — it is invalidated on every Add
	// and recomputed on demand by Percentile.
	percentilesCache []float64
}

// New creates an empty reservoir with the given fixed capacity.
func New(size int) *State {
	if size <= 0 {
		size = DefaultSize
	}
	return &State{size: size, Samples: make([]float64, 0, size)}
}

// FromState restores a reservoir from a previously persisted State,
// re-attaching the capacity (capacity isn't itself serialized; callers
// must supply the same size used to build it).
func FromState(s State, size int) *State {
	if size <= 0 {
		size = DefaultSize
	}
	restored := s
	restored.size = size
	restored.percentilesCache = nil
	return &restored
}

// Add inserts a new observation using Algorithm R: if the reservoir isn't
// full, append; otherwise replace a uniformly random existing slot with
// probability size/TotalSeen, preserving equal selection probability for
// every item seen so far.
func (s *State) Add(value float64, nowMs int64) {
	s.TotalSeen++
	s.LastUpdateMs = nowMs

	if len(s.Samples) < s.size {
		s.Samples = append(s.Samples, value)
	} else {
		j := rand.Int64N(s.TotalSeen)
		if j < int64(s.size) {
			s.Samples[j] = value
		}
	}
	s.percentilesCache = nil
}

// Percentile returns the nearest-rank percentile (0..100) of the current
// sample. Computed by sort; the caller is responsible for calling this at
// most once per batch if it wants to benefit from memoizing the sort
// externally — State itself only caches within repeated calls between Adds.
func (s *State) Percentile(p float64) float64 {
	if len(s.Samples) == 0 {
		return 0
	}

	sorted := s.percentilesCache
	if sorted == nil {
		sorted = make([]float64, len(s.Samples))
		copy(sorted, s.Samples)
		sort.Float64s(sorted)
		s.percentilesCache = sorted
	}

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	// Nearest rank: the ceil(p/100 * n)-th smallest sample (1-based).
	pos := (p / 100) * float64(len(sorted))
	rank := int(pos)
	if float64(rank) < pos {
		rank++
	}
	rank-- // to a 0-based index; p > 0 here, so rank >= 0
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Len reports the current sample count (min(TotalSeen, capacity)).
func (s *State) Len() int {
	return len(s.Samples)
}
