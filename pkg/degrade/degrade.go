// Package degrade implements the PID Throttle Controller and its reservoir
// interaction: a closed-loop controller on BCU budget
// utilization that outputs a 0..1 throttle rate, plus the Algorithm-R
// latency reservoir every telemetry message feeds.
package degrade

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/governor/pkg/kvcs"
	"github.com/wisbric/governor/pkg/reservoir"
)

// UpdateInterval is the minimum spacing between PID updates for a given
// feature.
const UpdateInterval = 60 * time.Second

// Setpoint is the target utilization the controller steers toward.
const Setpoint = 1.0

// Gains holds the PID tuning constants.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
	// IntegralMin/IntegralMax clamp the integral term (anti-windup).
	IntegralMin float64
	IntegralMax float64
}

// DefaultGains returns a conservative starting tune.
func DefaultGains() Gains {
	return Gains{Kp: 0.6, Ki: 0.1, Kd: 0.05, IntegralMin: -10, IntegralMax: 10}
}

// Controller runs the PID throttle loop and reservoir updates for one
// process. ShadowMode is a snapshot read at construction time; callers that
// need it hot-reloadable should reconstruct the Controller, matching how
// the rest of the KVCS-backed config is treated elsewhere in this module.
type Controller struct {
	kv     *kvcs.Store
	logger *slog.Logger

	Gains          Gains
	ShadowMode     bool
	ReservoirSize  int
	ThrottleMetric *prometheus.GaugeVec
}

// New creates a PID Throttle Controller.
func New(kv *kvcs.Store, logger *slog.Logger, gains Gains, shadowMode bool, reservoirSize int, throttleMetric *prometheus.GaugeVec) *Controller {
	if reservoirSize <= 0 {
		reservoirSize = reservoir.DefaultSize
	}
	return &Controller{
		kv:             kv,
		logger:         logger,
		Gains:          gains,
		ShadowMode:     shadowMode,
		ReservoirSize:  reservoirSize,
		ThrottleMetric: throttleMetric,
	}
}

// UpdateThrottle evaluates one PID step for featureKey given the batch's
// total BCU consumption and the feature's configured BCU budget limit. It
// is a no-op if the minimum update interval hasn't elapsed since the last
// write, or if budgetLimitBCU is non-positive (nothing to throttle against).
func (c *Controller) UpdateThrottle(ctx context.Context, featureKey string, bcuBatchTotal, budgetLimitBCU float64, now time.Time) error {
	if budgetLimitBCU <= 0 {
		return nil
	}

	st, found, err := c.kv.GetPIDState(ctx, featureKey)
	if err != nil {
		return fmt.Errorf("degrade: loading PID state for %q: %w", featureKey, err)
	}

	nowMs := now.UnixMilli()
	if found && st.LastUpdateMs > 0 {
		elapsed := time.Duration(nowMs-st.LastUpdateMs) * time.Millisecond
		if elapsed < UpdateInterval {
			return nil
		}
	}

	dtSeconds := UpdateInterval.Seconds()
	if found && st.LastUpdateMs > 0 {
		if elapsed := float64(nowMs-st.LastUpdateMs) / 1000.0; elapsed > 0 {
			dtSeconds = elapsed
		}
	}

	utilisation := clamp(bcuBatchTotal/budgetLimitBCU, 0, 2)
	errTerm := Setpoint - utilisation

	integral := clamp(st.IntegralError+errTerm*dtSeconds, c.Gains.IntegralMin, c.Gains.IntegralMax)
	derivative := (errTerm - st.LastError) / dtSeconds

	raw := -(c.Gains.Kp*errTerm + c.Gains.Ki*integral + c.Gains.Kd*derivative)
	throttle := clamp(raw, 0, 1)

	next := kvcs.PIDState{
		IntegralError: integral,
		LastError:     errTerm,
		LastUpdateMs:  nowMs,
		ThrottleRate:  throttle,
	}
	if c.ShadowMode {
		next.ThrottleRate = 0
	}

	if err := c.kv.SetPIDState(ctx, featureKey, next); err != nil {
		return fmt.Errorf("degrade: writing PID state for %q: %w", featureKey, err)
	}

	if c.ThrottleMetric != nil {
		c.ThrottleMetric.WithLabelValues(featureKey).Set(next.ThrottleRate)
	}

	c.logger.Info("pid throttle updated",
		"feature_key", featureKey,
		"utilisation", utilisation,
		"throttle_rate", throttle,
		"shadow_mode", c.ShadowMode,
	)
	return nil
}

// AddLatencySample feeds one cpu_ms observation into the feature's
// reservoir, loading and persisting the JSON-encoded STATE:RESERVOIR cell.
func (c *Controller) AddLatencySample(ctx context.Context, featureKey string, cpuMs float64, now time.Time) error {
	if cpuMs <= 0 {
		return nil
	}

	state, err := c.loadReservoir(ctx, featureKey)
	if err != nil {
		return err
	}

	state.Add(cpuMs, now.UnixMilli())

	raw, err := marshalReservoir(state)
	if err != nil {
		return fmt.Errorf("degrade: encoding reservoir for %q: %w", featureKey, err)
	}
	if err := c.kv.SetReservoirRaw(ctx, featureKey, raw); err != nil {
		return fmt.Errorf("degrade: writing reservoir for %q: %w", featureKey, err)
	}
	return nil
}

// Percentile loads the feature's current reservoir and returns the
// nearest-rank percentile (0..100) of its sample, or 0 if no reservoir has
// been recorded yet.
func (c *Controller) Percentile(ctx context.Context, featureKey string, p float64) (float64, error) {
	state, err := c.loadReservoir(ctx, featureKey)
	if err != nil {
		return 0, err
	}
	return state.Percentile(p), nil
}

func (c *Controller) loadReservoir(ctx context.Context, featureKey string) (*reservoir.State, error) {
	raw, err := c.kv.GetReservoirRaw(ctx, featureKey)
	if err != nil {
		return nil, fmt.Errorf("degrade: loading reservoir for %q: %w", featureKey, err)
	}
	if raw == nil {
		return reservoir.New(c.ReservoirSize), nil
	}
	s, err := unmarshalReservoir(raw)
	if err != nil {
		return nil, fmt.Errorf("degrade: decoding reservoir for %q: %w", featureKey, err)
	}
	return reservoir.FromState(s, c.ReservoirSize), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
