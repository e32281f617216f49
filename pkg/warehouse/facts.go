package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageFact is one append-only row of usage_facts: the per-invocation
// telemetry record the consumer writes for every non-heartbeat message.
// Rows carry a random ID so at-least-once redelivery appends rather than
// conflicts; aggregation layers tolerate the occasional duplicate the
// same way the counter hard-limit headroom does.
type UsageFact struct {
	ID              string
	FeatureKey      string
	Project         string
	RecordedAt      time.Time
	Metrics         map[string]int64
	CostUSD         float64
	ExternalCostUSD float64
	BCUTotal        float64
	DurationMs      *float64
}

// InsertUsageFact appends one telemetry fact row. A zero ID is assigned a
// fresh UUID.
func (s *Store) InsertUsageFact(ctx context.Context, f UsageFact) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	metrics, err := json.Marshal(f.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling fact metrics: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO usage_facts (id, feature_key, project, recorded_at, metrics, cost_usd, external_cost_usd, bcu_total, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		f.ID, f.FeatureKey, f.Project, f.RecordedAt, metrics, f.CostUSD, f.ExternalCostUSD, f.BCUTotal, f.DurationMs)
	if err != nil {
		return fmt.Errorf("inserting usage fact: %w", err)
	}
	return nil
}

// DeleteUsageFactsOlderThan prunes the fact store; facts feed near-real-time
// views only, long-horizon reads come from rollups.
func (s *Store) DeleteUsageFactsOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM usage_facts WHERE recorded_at < now() - make_interval(days => $1)`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting old usage facts: %w", err)
	}
	return tag.RowsAffected(), nil
}
