package errorsampler

import "testing"

func TestCriticalCategoriesAlwaysPersist(t *testing.T) {
	s := New(0.10, 0.10)
	s.randFloat = func() float64 { return 0.99 } // would drop anything sampled

	st := &BatchState{TotalMessages: 100, TotalErrors: 90}
	for _, category := range []string{"CIRCUIT_BREAKER", "AUTH", "INTERNAL"} {
		if !s.ShouldPersist(st, category) {
			t.Errorf("ShouldPersist(%s) = false, critical categories must never be dropped", category)
		}
	}
}

func TestBelowTriggerAlwaysPersists(t *testing.T) {
	s := New(0.10, 0.10)
	s.randFloat = func() float64 { return 0.99 }

	st := &BatchState{TotalMessages: 200, TotalErrors: 5}
	if !s.ShouldPersist(st, "VALIDATION") {
		t.Fatal("ShouldPersist() = false below the trigger threshold")
	}
	if st.SamplingActive {
		t.Fatal("SamplingActive = true below the trigger threshold")
	}
	if st.SampledErrors != 1 {
		t.Fatalf("SampledErrors = %d, want 1", st.SampledErrors)
	}
}

func TestAboveTriggerSamplesProbabilistically(t *testing.T) {
	s := New(0.10, 0.10)

	drop := true
	s.randFloat = func() float64 {
		if drop {
			return 0.5 // >= SampleRate: drop
		}
		return 0.05 // < SampleRate: keep
	}

	st := &BatchState{TotalMessages: 200, TotalErrors: 60}

	if s.ShouldPersist(st, "VALIDATION") {
		t.Fatal("ShouldPersist() = true with rand above the sample rate")
	}
	if !st.SamplingActive {
		t.Fatal("SamplingActive = false after the trigger threshold was crossed")
	}

	drop = false
	if !s.ShouldPersist(st, "VALIDATION") {
		t.Fatal("ShouldPersist() = false with rand below the sample rate")
	}
	if st.SampledErrors != 1 {
		t.Fatalf("SampledErrors = %d, want 1", st.SampledErrors)
	}
}

func TestSampleRateStatistically(t *testing.T) {
	s := New(0.10, 0.10)

	st := &BatchState{TotalMessages: 200, TotalErrors: 60}
	kept := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if s.ShouldPersist(st, "VALIDATION") {
			kept++
		}
	}
	// Expect ~10% kept; 6σ band on a binomial(10000, 0.1) is ±180.
	if kept < 820 || kept > 1180 {
		t.Fatalf("kept %d of %d, want roughly %d", kept, n, n/10)
	}
}

func TestErrorRateZeroMessages(t *testing.T) {
	st := &BatchState{}
	if got := st.ErrorRate(); got != 0 {
		t.Fatalf("ErrorRate() = %v on empty batch, want 0", got)
	}
}
