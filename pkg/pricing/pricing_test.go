package pricing

import (
	"testing"

	"github.com/wisbric/governor/pkg/usage"
)

func TestTableCostAppliesFreeTier(t *testing.T) {
	tbl := Table{
		UnitPriceUSD: map[usage.Resource]UnitPrice{usage.ResourceCacheReads: 0.001},
		FreeTierQty:  map[usage.Resource]int64{usage.ResourceCacheReads: 100},
	}

	got := tbl.Cost(usage.Bundle{usage.ResourceCacheReads: 150})
	want := RoundCost(0.001 * 50)
	if got != want {
		t.Fatalf("Cost() = %v, want %v", got, want)
	}
}

func TestTableCostNoNegativeBillable(t *testing.T) {
	tbl := Table{
		UnitPriceUSD: map[usage.Resource]UnitPrice{usage.ResourceCacheReads: 0.001},
		FreeTierQty:  map[usage.Resource]int64{usage.ResourceCacheReads: 1000},
	}

	got := tbl.Cost(usage.Bundle{usage.ResourceCacheReads: 10})
	if got != 0 {
		t.Fatalf("Cost() = %v, want 0 (within free tier)", got)
	}
}

func TestRoundCost(t *testing.T) {
	got := RoundCost(0.1234567)
	want := 0.123457
	if got != want {
		t.Fatalf("RoundCost() = %v, want %v", got, want)
	}
}

func TestBCUAdditivity(t *testing.T) {
	weights := DefaultWeights()
	m1 := usage.Bundle{usage.ResourceRelationalWrites: 3, usage.ResourceCPUMs: 100}
	m2 := usage.Bundle{usage.ResourceRelationalWrites: 2, usage.ResourceCacheReads: 50}

	left := BCU(weights, m1).Total + BCU(weights, m2).Total
	right := BCU(weights, m1.Add(m2)).Total

	// Allow for float accumulation error across the two computation paths.
	const eps = 1e-9
	diff := left - right
	if diff < -eps || diff > eps {
		t.Fatalf("BCU not additive: BCU(m1)+BCU(m2)=%v, BCU(m1+m2)=%v", left, right)
	}
}

func TestBCUDominant(t *testing.T) {
	weights := DefaultWeights()
	res := BCU(weights, usage.Bundle{
		usage.ResourceRelationalWrites: 1,    // weight 5 -> contribution 5
		usage.ResourceCacheReads:       1000, // weight 0.2 -> contribution 200
	})

	if res.Dominant != usage.ResourceCacheReads {
		t.Fatalf("Dominant = %v, want cache-reads", res.Dominant)
	}
	if res.DominantPct <= 50 {
		t.Fatalf("DominantPct = %v, want > 50", res.DominantPct)
	}
}

func TestBCUEmptyBundle(t *testing.T) {
	res := BCU(DefaultWeights(), usage.Bundle{})
	if res.Total != 0 {
		t.Fatalf("Total = %v, want 0", res.Total)
	}
	if res.DominantPct != 0 {
		t.Fatalf("DominantPct = %v, want 0", res.DominantPct)
	}
}
