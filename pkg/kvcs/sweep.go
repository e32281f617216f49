package kvcs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TrippedFeature is one feature found with STATUS=STOP during a sweep.
type TrippedFeature struct {
	FeatureKey string
	State      BreakerState
}

// ScanTrippedFeatures walks every CONFIG:FEATURE:*:STATUS cell via SCAN and
// returns the ones currently STOP, for the auto-reset sweep.
func (s *Store) ScanTrippedFeatures(ctx context.Context) ([]TrippedFeature, error) {
	var tripped []TrippedFeature
	iter := s.rdb.Scan(ctx, 0, "CONFIG:FEATURE:*:STATUS", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		featureKey := strings.TrimSuffix(strings.TrimPrefix(key, "CONFIG:FEATURE:"), ":STATUS")
		if featureKey == "" {
			continue
		}
		state, err := s.GetBreakerState(ctx, featureKey)
		if err != nil {
			return nil, fmt.Errorf("kvcs: reading breaker state for %q during sweep: %w", featureKey, err)
		}
		if state.Status == StatusStop {
			tripped = append(tripped, TrippedFeature{FeatureKey: featureKey, State: state})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvcs: scanning tripped features: %w", err)
	}
	return tripped, nil
}

// InvalidateDailyCache deletes the CONFIG:SETTINGS:query_cache:{project}:{date}
// cell for a project's daily bucket after a rollup write. The Query Service
// reads warehouse rows directly and keeps no cache of its own.
func (s *Store) InvalidateDailyCache(ctx context.Context, project, dateBucket string) error {
	key := "CONFIG:SETTINGS:query_cache:" + project + ":" + dateBucket
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvcs: invalidating daily cache for %s/%s: %w", project, dateBucket, err)
	}
	return nil
}

// SetIfAbsent sets key to value with the given TTL only if it doesn't
// already exist, returning true if this call won the race. Used by the
// Error Alerter for fingerprint-based dedup.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("kvcs: SetIfAbsent %q: %w", key, err)
	}
	return ok, nil
}
