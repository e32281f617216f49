// Package kvcs is the Key-Value Control Store abstraction: a thin,
// typed layer over Redis holding circuit-breaker flags, live budgets,
// accumulated cost, PID/reservoir state, and rolling counters — the
// control-plane cells applications and this platform share.
package kvcs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a Redis client with the platform's reserved key space.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Store over an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// --- key builders ---

func statusKey(featureKey string) string     { return "CONFIG:FEATURE:" + featureKey + ":STATUS" }
func reasonKey(featureKey string) string     { return "CONFIG:FEATURE:" + featureKey + ":REASON" }
func disabledAtKey(featureKey string) string { return "CONFIG:FEATURE:" + featureKey + ":DISABLED_AT" }
func autoResetAtKey(featureKey string) string {
	return "CONFIG:FEATURE:" + featureKey + ":AUTO_RESET_AT"
}
func budgetKey(featureKey string) string     { return "CONFIG:FEATURE:" + featureKey + ":BUDGET" }
func costBudgetKey(featureKey string) string { return "CONFIG:FEATURE:" + featureKey + ":COST_BUDGET" }
func costAccumKey(featureKey string) string  { return "STATE:COST:" + featureKey + ":ACCUMULATED" }
func reservoirKey(featureKey string) string  { return "STATE:RESERVOIR:" + featureKey }
func pidKey(featureKey string) string        { return "STATE:PID:" + featureKey }
func counterKey(featureKey string, resource, window string) string {
	return "CTR:" + featureKey + ":" + resource + ":" + window
}
func settingsKey(name string) string { return "CONFIG:SETTINGS:" + name }

const prevHourAccountMetricsKey = "PREV_HOUR_ACCOUNT_METRICS"

// Status is the circuit-breaker flag value.
type Status string

const (
	StatusGo   Status = "GO"
	StatusStop Status = "STOP"
)

// BreakerState is the full readable state of a feature's circuit breaker,
// including the sidecar reason/timestamp cells.
type BreakerState struct {
	Status      Status
	Reason      string
	DisabledAt  *time.Time
	AutoResetAt *time.Time
}

// GetBreakerStatus reads just the hot-path STATUS cell. Absence implies GO
// — absence implies GO — so a redis.Nil miss is not
// an error.
func (s *Store) GetBreakerStatus(ctx context.Context, featureKey string) (Status, error) {
	val, err := s.rdb.Get(ctx, statusKey(featureKey)).Result()
	if err == redis.Nil {
		return StatusGo, nil
	}
	if err != nil {
		return StatusGo, fmt.Errorf("kvcs: getting breaker status for %q: %w", featureKey, err)
	}
	if val == string(StatusStop) {
		return StatusStop, nil
	}
	return StatusGo, nil
}

// GetBreakerState reads the full breaker state including sidecar cells.
func (s *Store) GetBreakerState(ctx context.Context, featureKey string) (BreakerState, error) {
	status, err := s.GetBreakerStatus(ctx, featureKey)
	if err != nil {
		return BreakerState{}, err
	}
	state := BreakerState{Status: status}

	if reason, err := s.rdb.Get(ctx, reasonKey(featureKey)).Result(); err == nil {
		state.Reason = reason
	} else if err != redis.Nil {
		return state, fmt.Errorf("kvcs: getting breaker reason for %q: %w", featureKey, err)
	}

	if t, err := s.getTimeCell(ctx, disabledAtKey(featureKey)); err == nil {
		state.DisabledAt = t
	}
	if t, err := s.getTimeCell(ctx, autoResetAtKey(featureKey)); err == nil {
		state.AutoResetAt = t
	}

	return state, nil
}

func (s *Store) getTimeCell(ctx context.Context, key string) (*time.Time, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Trip sets STATUS=STOP with a reason, disabled-at, and auto-reset-at,
// used by the Budget Enforcer and Cost-Budget Enforcer on violation.
func (s *Store) Trip(ctx context.Context, featureKey, reason string, now time.Time, autoResetAfter time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, statusKey(featureKey), string(StatusStop), 0)
	pipe.Set(ctx, reasonKey(featureKey), reason, 0)
	pipe.Set(ctx, disabledAtKey(featureKey), now.UTC().Format(time.RFC3339), 0)
	if autoResetAfter > 0 {
		pipe.Set(ctx, autoResetAtKey(featureKey), now.Add(autoResetAfter).UTC().Format(time.RFC3339), 0)
	} else {
		pipe.Del(ctx, autoResetAtKey(featureKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvcs: tripping breaker for %q: %w", featureKey, err)
	}
	return nil
}

// Reset clears STATUS back to GO (implicitly, by deleting the cells), used
// by the auto-reset sweep and manual admin enable.
func (s *Store) Reset(ctx context.Context, featureKey string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, statusKey(featureKey))
	pipe.Del(ctx, reasonKey(featureKey))
	pipe.Del(ctx, disabledAtKey(featureKey))
	pipe.Del(ctx, autoResetAtKey(featureKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvcs: resetting breaker for %q: %w", featureKey, err)
	}
	return nil
}

// ManualDisable sets STATUS=STOP with no auto-reset cell — persistent
// until manual enable.
func (s *Store) ManualDisable(ctx context.Context, featureKey, reason string, now time.Time) error {
	return s.Trip(ctx, featureKey, reason, now, 0)
}

// IsAutoResetDue scans a breaker's auto_reset_at cell against now.
func (s *Store) IsAutoResetDue(ctx context.Context, featureKey string, now time.Time) (bool, error) {
	state, err := s.GetBreakerState(ctx, featureKey)
	if err != nil {
		return false, err
	}
	if state.Status != StatusStop || state.AutoResetAt == nil {
		return false, nil
	}
	return !now.Before(*state.AutoResetAt), nil
}

// --- budgets ---

// BudgetLimits is per-feature {resource -> {hourly?, daily?}} plus a daily
// USD ceiling, the live source of truth for enforcement.
type BudgetLimits struct {
	Resources     map[string]ResourceLimit `json:"resources"`
	DailyLimitUSD float64                  `json:"daily_limit_usd"`
}

// ResourceLimit holds the optional hourly/daily ceiling for one resource.
type ResourceLimit struct {
	Hourly *int64 `json:"hourly,omitempty"`
	Daily  *int64 `json:"daily,omitempty"`
}

// GetBudgetLimits reads the live BudgetLimits JSON cell.
func (s *Store) GetBudgetLimits(ctx context.Context, featureKey string) (BudgetLimits, bool, error) {
	var limits BudgetLimits
	found, err := s.getJSON(ctx, budgetKey(featureKey), &limits)
	if err != nil {
		return BudgetLimits{}, false, fmt.Errorf("kvcs: getting budget limits for %q: %w", featureKey, err)
	}
	return limits, found, nil
}

// SetBudgetLimits writes the live BudgetLimits JSON cell (admin edits, or
// defaulted seeding from the feature registry).
func (s *Store) SetBudgetLimits(ctx context.Context, featureKey string, limits BudgetLimits) error {
	if err := s.setJSON(ctx, budgetKey(featureKey), limits, 0); err != nil {
		return fmt.Errorf("kvcs: setting budget limits for %q: %w", featureKey, err)
	}
	return nil
}

// CostBudget is the per-feature USD ceiling and optional warning threshold.
type CostBudget struct {
	DailyLimitUSD     float64  `json:"daily_limit_usd"`
	AlertThresholdPct *float64 `json:"alert_threshold_pct,omitempty"`
}

// GetCostBudget reads the CONFIG:FEATURE:{key}:COST_BUDGET cell.
func (s *Store) GetCostBudget(ctx context.Context, featureKey string) (CostBudget, bool, error) {
	var cb CostBudget
	found, err := s.getJSON(ctx, costBudgetKey(featureKey), &cb)
	if err != nil {
		return CostBudget{}, false, fmt.Errorf("kvcs: getting cost budget for %q: %w", featureKey, err)
	}
	return cb, found, nil
}

// SetCostBudget writes the cost budget cell.
func (s *Store) SetCostBudget(ctx context.Context, featureKey string, cb CostBudget) error {
	if err := s.setJSON(ctx, costBudgetKey(featureKey), cb, 0); err != nil {
		return fmt.Errorf("kvcs: setting cost budget for %q: %w", featureKey, err)
	}
	return nil
}

// --- accumulated cost ---

// AccumulatedCost is the rolling-window USD accumulation cell.
type AccumulatedCost struct {
	CostUSD       float64 `json:"cost_usd"`
	WindowStartMs int64   `json:"window_start_ms"`
}

// GetAccumulatedCost reads STATE:COST:{key}:ACCUMULATED.
func (s *Store) GetAccumulatedCost(ctx context.Context, featureKey string) (AccumulatedCost, bool, error) {
	var ac AccumulatedCost
	found, err := s.getJSON(ctx, costAccumKey(featureKey), &ac)
	if err != nil {
		return AccumulatedCost{}, false, fmt.Errorf("kvcs: getting accumulated cost for %q: %w", featureKey, err)
	}
	return ac, found, nil
}

// SetAccumulatedCost writes the cell with the given TTL.
func (s *Store) SetAccumulatedCost(ctx context.Context, featureKey string, ac AccumulatedCost, ttl time.Duration) error {
	if err := s.setJSON(ctx, costAccumKey(featureKey), ac, ttl); err != nil {
		return fmt.Errorf("kvcs: setting accumulated cost for %q: %w", featureKey, err)
	}
	return nil
}

// --- reservoir + PID state ---

// GetReservoirRaw reads the raw reservoir JSON bytes, or nil if absent.
// pkg/degrade unmarshals this into a *reservoir.State; kvcs doesn't import
// pkg/reservoir to avoid a dependency in the wrong direction.
func (s *Store) GetReservoirRaw(ctx context.Context, featureKey string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, reservoirKey(featureKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvcs: getting reservoir state for %q: %w", featureKey, err)
	}
	return val, nil
}

// SetReservoirRaw writes raw reservoir JSON bytes with a 24h TTL.
func (s *Store) SetReservoirRaw(ctx context.Context, featureKey string, raw []byte) error {
	if err := s.rdb.Set(ctx, reservoirKey(featureKey), raw, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("kvcs: setting reservoir state for %q: %w", featureKey, err)
	}
	return nil
}

// PIDState is the per-feature PID controller state.
type PIDState struct {
	IntegralError float64 `json:"integral_error"`
	LastError     float64 `json:"last_error"`
	LastUpdateMs  int64   `json:"last_update_ms"`
	ThrottleRate  float64 `json:"throttle_rate"`
}

// GetPIDState reads STATE:PID:{key}.
func (s *Store) GetPIDState(ctx context.Context, featureKey string) (PIDState, bool, error) {
	var st PIDState
	found, err := s.getJSON(ctx, pidKey(featureKey), &st)
	if err != nil {
		return PIDState{}, false, fmt.Errorf("kvcs: getting PID state for %q: %w", featureKey, err)
	}
	return st, found, nil
}

// SetPIDState writes STATE:PID:{key} with a 24h TTL.
func (s *Store) SetPIDState(ctx context.Context, featureKey string, st PIDState) error {
	if err := s.setJSON(ctx, pidKey(featureKey), st, 24*time.Hour); err != nil {
		return fmt.Errorf("kvcs: setting PID state for %q: %w", featureKey, err)
	}
	return nil
}

// --- counters ---

// IncrCounter performs the budget counter's read-modify-write: CTR:{key}:
// {resource}:{window} += delta, with TTL refreshed to 2×window on every
// write. Uses Redis INCRBY, atomic per-key server-side; the
// tolerated race is only between this increment and the enforcer's
// subsequent trip-check read, absorbed by the hard-limit multiplier.
func (s *Store) IncrCounter(ctx context.Context, featureKey, resource, window string, delta int64, ttl time.Duration) (int64, error) {
	key := counterKey(featureKey, resource, window)
	pipe := s.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kvcs: incrementing counter %q: %w", key, err)
	}
	return incr.Val(), nil
}

// GetCounter reads the current counter value without incrementing.
func (s *Store) GetCounter(ctx context.Context, featureKey, resource, window string) (int64, error) {
	val, err := s.rdb.Get(ctx, counterKey(featureKey, resource, window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kvcs: getting counter %q: %w", counterKey(featureKey, resource, window), err)
	}
	return val, nil
}

// --- previous-hour account metrics ---

// GetPrevHourAccountMetrics reads PREV_HOUR_ACCOUNT_METRICS, returning
// found=false if the key has expired (7 day TTL).
func (s *Store) GetPrevHourAccountMetrics(ctx context.Context, dst any) (bool, error) {
	found, err := s.getJSON(ctx, prevHourAccountMetricsKey, dst)
	if err != nil {
		return false, fmt.Errorf("kvcs: getting previous hour account metrics: %w", err)
	}
	return found, nil
}

// SetPrevHourAccountMetrics writes PREV_HOUR_ACCOUNT_METRICS with a 7 day TTL.
func (s *Store) SetPrevHourAccountMetrics(ctx context.Context, v any) error {
	if err := s.setJSON(ctx, prevHourAccountMetricsKey, v, 7*24*time.Hour); err != nil {
		return fmt.Errorf("kvcs: setting previous hour account metrics: %w", err)
	}
	return nil
}

// --- settings cache ---

// GetSetting reads a cached CONFIG:SETTINGS:* value, returning found=false
// on a cache miss so the caller can fall back to the warehouse.
func (s *Store) GetSetting(ctx context.Context, name string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, settingsKey(name)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvcs: getting setting %q: %w", name, err)
	}
	return val, true, nil
}

// SetSetting writes a CONFIG:SETTINGS:* cache cell with a 1h TTL.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, settingsKey(name), value, time.Hour).Err(); err != nil {
		return fmt.Errorf("kvcs: setting setting %q: %w", name, err)
	}
	return nil
}

// --- JSON cell helpers ---

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("unmarshaling %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %q: %w", key, err)
	}
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}
