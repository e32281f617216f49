// Package heartbeat handles zero-metric health probe messages: a
// heartbeat updates the feature's last-seen health row and touches
// nothing else — no counters, no budgets, no breaker state.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wisbric/governor/pkg/usage"
)

// StatusHealthy is the status written for every received heartbeat.
const StatusHealthy = "healthy"

// Store is the warehouse surface the handler writes to.
type Store interface {
	UpsertFeatureHealth(ctx context.Context, featureKey, status string) error
}

// Handler processes heartbeat telemetry messages.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// New creates a heartbeat Handler.
func New(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Handle records the feature as healthy. Any metrics riding on a
// heartbeat message are ignored by contract.
func (h *Handler) Handle(ctx context.Context, msg usage.Message) error {
	if err := h.store.UpsertFeatureHealth(ctx, msg.FeatureKey, StatusHealthy); err != nil {
		return fmt.Errorf("heartbeat: recording health for %q: %w", msg.FeatureKey, err)
	}
	h.logger.Debug("heartbeat recorded", "feature_key", msg.FeatureKey)
	return nil
}
