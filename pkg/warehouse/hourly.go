package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// HourlySnapshot is one account- or project-level row of
// hourly_usage_snapshots.
type HourlySnapshot struct {
	TimeBucket          time.Time
	Project             string
	Counters            map[string]int64
	CostUSD             float64
	BCUTotal            float64
	SamplingMode        string
	CollectionTimestamp time.Time
}

// UpsertHourlySnapshot inserts or updates the single row for
// (time_bucket, project), so a retried collection run for the same hour
// overwrites rather than duplicates.
func (s *Store) UpsertHourlySnapshot(ctx context.Context, snap HourlySnapshot) error {
	counters, err := json.Marshal(snap.Counters)
	if err != nil {
		return fmt.Errorf("marshaling counters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO hourly_usage_snapshots (time_bucket, project, counters, cost_usd, bcu_total, sampling_mode, collection_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (time_bucket, project) DO UPDATE SET
			counters = EXCLUDED.counters,
			cost_usd = EXCLUDED.cost_usd,
			bcu_total = EXCLUDED.bcu_total,
			sampling_mode = EXCLUDED.sampling_mode,
			collection_timestamp = EXCLUDED.collection_timestamp`,
		snap.TimeBucket, snap.Project, counters, snap.CostUSD, snap.BCUTotal, snap.SamplingMode, snap.CollectionTimestamp)
	if err != nil {
		return fmt.Errorf("upserting hourly snapshot: %w", err)
	}
	return nil
}

// ResourceSnapshot is one row of resource_usage_snapshots.
type ResourceSnapshot struct {
	TimeBucket      time.Time
	ResourceType    string
	ResourceID      string
	Project         string
	Count           int64
	CostUSD         float64
	Source          string
	Confidence      float64
	AllocationBasis string
}

// InsertResourceSnapshotsBatched writes rows in batches of batchSize via
// pgx's batched statement API, falling back to individual inserts if the
// batch itself fails (a single bad row should not drop the whole batch).
func (s *Store) InsertResourceSnapshotsBatched(ctx context.Context, rows []ResourceSnapshot, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 25
	}
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertResourceSnapshotBatch(ctx, rows[start:end]); err != nil {
			for _, r := range rows[start:end] {
				if insertErr := s.insertResourceSnapshot(ctx, r); insertErr != nil {
					return fmt.Errorf("inserting resource snapshot %s/%s individually after batch failure: %w", r.ResourceType, r.ResourceID, insertErr)
				}
			}
		}
	}
	return nil
}

func (s *Store) insertResourceSnapshotBatch(ctx context.Context, rows []ResourceSnapshot) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO resource_usage_snapshots (time_bucket, resource_type, resource_id, project, count, cost_usd, source, confidence, allocation_basis)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (time_bucket, resource_type, resource_id) DO UPDATE SET
				project = EXCLUDED.project,
				count = EXCLUDED.count,
				cost_usd = EXCLUDED.cost_usd,
				source = EXCLUDED.source,
				confidence = EXCLUDED.confidence,
				allocation_basis = EXCLUDED.allocation_basis`,
			r.TimeBucket, r.ResourceType, r.ResourceID, r.Project, r.Count, r.CostUSD, r.Source, r.Confidence, r.AllocationBasis)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("executing batched insert: %w", err)
		}
	}
	return nil
}

func (s *Store) insertResourceSnapshot(ctx context.Context, r ResourceSnapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO resource_usage_snapshots (time_bucket, resource_type, resource_id, project, count, cost_usd, source, confidence, allocation_basis)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (time_bucket, resource_type, resource_id) DO UPDATE SET
			project = EXCLUDED.project,
			count = EXCLUDED.count,
			cost_usd = EXCLUDED.cost_usd,
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence,
			allocation_basis = EXCLUDED.allocation_basis`,
		r.TimeBucket, r.ResourceType, r.ResourceID, r.Project, r.Count, r.CostUSD, r.Source, r.Confidence, r.AllocationBasis)
	return err
}

// HourlySnapshotsSince returns every hourly snapshot for project at or
// after since, ordered by time_bucket. Used by daily rollup aggregation
// and gap-fill.
func (s *Store) HourlySnapshotsSince(ctx context.Context, project string, since, until time.Time) ([]HourlySnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT time_bucket, project, counters, cost_usd, bcu_total, sampling_mode, collection_timestamp
		FROM hourly_usage_snapshots
		WHERE project = $1 AND time_bucket >= $2 AND time_bucket < $3
		ORDER BY time_bucket`, project, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying hourly snapshots: %w", err)
	}
	defer rows.Close()

	var out []HourlySnapshot
	for rows.Next() {
		var snap HourlySnapshot
		var counters []byte
		if err := rows.Scan(&snap.TimeBucket, &snap.Project, &counters, &snap.CostUSD, &snap.BCUTotal, &snap.SamplingMode, &snap.CollectionTimestamp); err != nil {
			return nil, fmt.Errorf("scanning hourly snapshot: %w", err)
		}
		if err := json.Unmarshal(counters, &snap.Counters); err != nil {
			return nil, fmt.Errorf("unmarshaling counters: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DistinctProjectsWithHourlySnapshots returns every project with at least
// one hourly row in [since, until), used to drive the daily rollup and
// gap-fill scans without needing a separate projects table.
func (s *Store) DistinctProjectsWithHourlySnapshots(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT project FROM hourly_usage_snapshots
		WHERE time_bucket >= $1 AND time_bucket < $2`, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying distinct projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
