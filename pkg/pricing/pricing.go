// Package pricing holds the static pricing/allowance table, the
// scarcity-weighted BCU allocator, and the USD cost calculator that
// convert a usage.Bundle into cost and budget-consumption figures.
package pricing

import (
	"math"

	"github.com/wisbric/governor/pkg/usage"
)

// UnitPrice is the USD price per unit of a resource.
type UnitPrice float64

// Table is the pricing & allowance table: per-resource unit price and free
// allowance. It is intentionally a plain static structure — no database
// round trip is needed to price a bundle.
type Table struct {
	UnitPriceUSD map[usage.Resource]UnitPrice
	FreeTierQty  map[usage.Resource]int64
}

// DefaultTable returns the built-in pricing table. Deployments needing
// different prices load their own Table rather than editing these
// defaults in place.
func DefaultTable() Table {
	return Table{
		UnitPriceUSD: map[usage.Resource]UnitPrice{
			usage.ResourceRelationalWrites:    0.000_001_0,
			usage.ResourceRelationalReads:     0.000_000_2,
			usage.ResourceCacheReads:          0.000_000_05,
			usage.ResourceCacheWrites:         0.000_000_10,
			usage.ResourceCacheDeletes:        0.000_000_10,
			usage.ResourceCacheLists:          0.000_000_10,
			usage.ResourceObjectClassA:        0.000_004_5,
			usage.ResourceObjectClassB:        0.000_000_4,
			usage.ResourceInferenceUnits:      0.000_010_0,
			usage.ResourceInferenceRequests:   0.000_050_0,
			usage.ResourceQueueMessages:       0.000_000_4,
			usage.ResourceComputeRequests:     0.000_000_15,
			usage.ResourceCPUMs:               0.000_001_25,
			usage.ResourceVectorQueries:       0.000_004_0,
			usage.ResourceVectorInserts:       0.000_008_0,
			usage.ResourceDORequests:          0.000_001_5,
			usage.ResourceDOGBSeconds:         0.000_012_5,
			usage.ResourceWorkflowInvocations: 0.000_020_0,
		},
		FreeTierQty: map[usage.Resource]int64{
			usage.ResourceRelationalWrites: 100_000,
			usage.ResourceRelationalReads:  500_000,
			usage.ResourceCacheReads:       1_000_000,
		},
	}
}

// Cost returns the USD cost of a bundle under this table, net of free-tier
// allowance where applicable. Result is rounded to 6 decimal places to
// prevent floating-point drift across repeated accumulation.
func (t Table) Cost(b usage.Bundle) float64 {
	var total float64
	for r, qty := range b {
		billable := qty
		if free, ok := t.FreeTierQty[r]; ok && free > 0 {
			billable -= free
			if billable < 0 {
				billable = 0
			}
		}
		if price, ok := t.UnitPriceUSD[r]; ok {
			total += float64(price) * float64(billable)
		}
	}
	return RoundCost(total)
}

// RoundCost rounds a USD amount to 6 decimal places, the fixed-point
// convention applied on every persisted cost write.
func RoundCost(v float64) float64 {
	const scale = 1_000_000.0
	return math.Round(v*scale) / scale
}

// BCUWeight is the static scarcity weight applied to a resource when
// computing the Budget Consumption Unit scalar.
type BCUWeight float64

// DefaultWeights returns the built-in BCU scarcity weight table. Weights
// are unitless multipliers, not prices — a resource's weight reflects how
// scarce/expensive it is relative to others, independent of its USD price.
func DefaultWeights() map[usage.Resource]BCUWeight {
	return map[usage.Resource]BCUWeight{
		usage.ResourceRelationalWrites:    5.0,
		usage.ResourceRelationalReads:     1.0,
		usage.ResourceCacheReads:          0.2,
		usage.ResourceCacheWrites:         0.4,
		usage.ResourceCacheDeletes:        0.4,
		usage.ResourceCacheLists:          0.4,
		usage.ResourceObjectClassA:        8.0,
		usage.ResourceObjectClassB:        1.5,
		usage.ResourceInferenceUnits:      20.0,
		usage.ResourceInferenceRequests:   10.0,
		usage.ResourceQueueMessages:       1.0,
		usage.ResourceComputeRequests:     1.0,
		usage.ResourceCPUMs:               2.0,
		usage.ResourceVectorQueries:       6.0,
		usage.ResourceVectorInserts:       12.0,
		usage.ResourceDORequests:          3.0,
		usage.ResourceDOGBSeconds:         15.0,
		usage.ResourceWorkflowInvocations: 25.0,
	}
}

// BCUResult is the scarcity-weighted scalar for a bundle plus the
// dominant-resource breakdown.
type BCUResult struct {
	Total       float64
	Dominant    usage.Resource
	DominantPct float64
}

// BCU computes Σ w_r · m_r, the dominant resource, and its percentage
// share of the total. BCU is additive: BCU(m1)+BCU(m2) == BCU(m1⊕m2)
// follows directly from the weighted sum being linear in the bundle.
func BCU(weights map[usage.Resource]BCUWeight, b usage.Bundle) BCUResult {
	var total float64
	var maxVal float64
	var dominant usage.Resource

	for _, r := range usage.AllResources {
		qty, ok := b[r]
		if !ok || qty == 0 {
			continue
		}
		w, ok := weights[r]
		if !ok {
			continue
		}
		contribution := float64(w) * float64(qty)
		total += contribution
		if contribution > maxVal {
			maxVal = contribution
			dominant = r
		}
	}

	res := BCUResult{Total: total, Dominant: dominant}
	if total > 0 {
		res.DominantPct = 100 * maxVal / total
	}
	return res
}
