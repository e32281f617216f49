// Package warehouse persists time-bucketed usage rollups, breaker and error
// events, anomalies, and project configuration to Postgres. It has no
// generated query layer; every statement is hand-written against pgx.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting Store methods
// run standalone or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store provides warehouse operations over a database connection or
// transaction.
type Store struct {
	db DBTX
}

// New creates a Store backed by the given connection pool or transaction.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(*Store) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FeatureRegistration is a row of feature_registry.
type FeatureRegistration struct {
	FeatureKey            string
	ProjectID             string
	Category              string
	Feature               string
	DisplayName           string
	CircuitBreakerEnabled bool
	DailyLimits           json.RawMessage
}

// UpsertFeatureRegistration records or updates a feature's registry entry.
func (s *Store) UpsertFeatureRegistration(ctx context.Context, r FeatureRegistration) error {
	if r.DailyLimits == nil {
		r.DailyLimits = json.RawMessage(`{}`)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO feature_registry (feature_key, project_id, category, feature, display_name, circuit_breaker_enabled, daily_limits_json, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (feature_key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			circuit_breaker_enabled = EXCLUDED.circuit_breaker_enabled,
			daily_limits_json = EXCLUDED.daily_limits_json,
			updated_at = now()`,
		r.FeatureKey, r.ProjectID, r.Category, r.Feature, r.DisplayName, r.CircuitBreakerEnabled, r.DailyLimits)
	if err != nil {
		return fmt.Errorf("upserting feature registration: %w", err)
	}
	return nil
}

// GetFeatureRegistration fetches a single feature_registry row. found is
// false with a nil error if no row matches.
func (s *Store) GetFeatureRegistration(ctx context.Context, featureKey string) (reg FeatureRegistration, found bool, err error) {
	row := s.db.QueryRow(ctx, `
		SELECT feature_key, project_id, category, feature, display_name, circuit_breaker_enabled, daily_limits_json
		FROM feature_registry WHERE feature_key = $1`, featureKey)
	if scanErr := row.Scan(&reg.FeatureKey, &reg.ProjectID, &reg.Category, &reg.Feature, &reg.DisplayName, &reg.CircuitBreakerEnabled, &reg.DailyLimits); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return FeatureRegistration{}, false, nil
		}
		return FeatureRegistration{}, false, fmt.Errorf("getting feature registration: %w", scanErr)
	}
	return reg, true, nil
}

// ListFeatureRegistrations returns every registered feature for a project,
// or every project's features when project is empty.
func (s *Store) ListFeatureRegistrations(ctx context.Context, project string) ([]FeatureRegistration, error) {
	var rows pgx.Rows
	var err error
	if project == "" {
		rows, err = s.db.Query(ctx, `SELECT feature_key, project_id, category, feature, display_name, circuit_breaker_enabled, daily_limits_json FROM feature_registry ORDER BY feature_key`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT feature_key, project_id, category, feature, display_name, circuit_breaker_enabled, daily_limits_json FROM feature_registry WHERE project_id = $1 ORDER BY feature_key`, project)
	}
	if err != nil {
		return nil, fmt.Errorf("listing feature registrations: %w", err)
	}
	defer rows.Close()

	var out []FeatureRegistration
	for rows.Next() {
		var reg FeatureRegistration
		if err := rows.Scan(&reg.FeatureKey, &reg.ProjectID, &reg.Category, &reg.Feature, &reg.DisplayName, &reg.CircuitBreakerEnabled, &reg.DailyLimits); err != nil {
			return nil, fmt.Errorf("scanning feature registration: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// DeleteStaleFeatureRegistrations removes registry rows whose updated_at is
// more than olderThanDays days old. Run as part of the midnight registry
// cleanup pass.
func (s *Store) DeleteStaleFeatureRegistrations(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM feature_registry
		WHERE updated_at < now() - make_interval(days => $1)`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("deleting stale feature registrations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSetting returns a usage_settings value, checking the project-scoped
// row first and falling back to the 'all' global row.
func (s *Store) GetSetting(ctx context.Context, project, key string) (value string, found bool, err error) {
	row := s.db.QueryRow(ctx, `
		SELECT setting_value FROM usage_settings
		WHERE setting_key = $2 AND project IN ($1, 'all')
		ORDER BY (project = $1) DESC
		LIMIT 1`, project, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting setting %s: %w", key, scanErr)
	}
	return value, true, nil
}

// SetSetting upserts a usage_settings value.
func (s *Store) SetSetting(ctx context.Context, project, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_settings (project, setting_key, setting_value, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (project, setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = now()`,
		project, key, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}
