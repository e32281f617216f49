package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/governor/internal/audit"
	"github.com/wisbric/governor/internal/httpserver"
	"github.com/wisbric/governor/internal/queue"
	"github.com/wisbric/governor/pkg/featurekey"
	"github.com/wisbric/governor/pkg/kvcs"
	"github.com/wisbric/governor/pkg/warehouse"
)

// adminHandler serves the token-protected control plane: manual breaker
// overrides, budget edits, and deadletter inspection. Every mutation is
// recorded through the async audit writer and as a breaker event row
// where the state machine requires one.
type adminHandler struct {
	kv     *kvcs.Store
	wh     *warehouse.Store
	audit  *audit.Writer
	rdb    *redis.Client
	logger *slog.Logger
}

func newAdminHandler(kv *kvcs.Store, wh *warehouse.Store, auditWriter *audit.Writer, rdb *redis.Client, logger *slog.Logger) *adminHandler {
	return &adminHandler{kv: kv, wh: wh, audit: auditWriter, rdb: rdb, logger: logger}
}

func (h *adminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/breakers/{project}/{category}/{feature}/disable", h.handleDisable)
	r.Post("/breakers/{project}/{category}/{feature}/enable", h.handleEnable)
	r.Put("/budgets/{project}/{category}/{feature}", h.handleSetBudget)
	r.Put("/cost-budgets/{project}/{category}/{feature}", h.handleSetCostBudget)
	r.Get("/deadletters", h.handleDeadletters)
	return r
}

func featureKeyParam(r *http.Request) (featurekey.Key, error) {
	return featurekey.New(
		chi.URLParam(r, "project"),
		chi.URLParam(r, "category"),
		chi.URLParam(r, "feature"),
	)
}

// actor identifies who performed an admin action in the audit trail. The
// admin surface is a single shared bearer token, so the caller names
// itself via a header; absent that, the action is attributed to "admin".
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "admin"
}

type disableRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *adminHandler) handleDisable(w http.ResponseWriter, r *http.Request) {
	key, err := featureKeyParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_feature_key", err.Error())
		return
	}
	var req disableRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.kv.ManualDisable(ctx, key.String(), req.Reason, time.Now()); err != nil {
		h.logger.Error("manual disable failed", "feature_key", key.String(), "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disable feature")
		return
	}
	if err := h.wh.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		FeatureKey: key.String(),
		EventType:  "manual_disable",
		Reason:     req.Reason,
	}); err != nil {
		h.logger.Error("recording manual disable event", "feature_key", key.String(), "error", err)
	}
	h.audit.Log("manual_disable", key.String(), actor(r), map[string]any{"reason": req.Reason})

	httpserver.Respond(w, http.StatusOK, map[string]string{"feature_key": key.String(), "status": string(kvcs.StatusStop)})
}

func (h *adminHandler) handleEnable(w http.ResponseWriter, r *http.Request) {
	key, err := featureKeyParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_feature_key", err.Error())
		return
	}

	ctx := r.Context()
	if err := h.kv.Reset(ctx, key.String()); err != nil {
		h.logger.Error("manual enable failed", "feature_key", key.String(), "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enable feature")
		return
	}
	if err := h.wh.InsertBreakerEvent(ctx, warehouse.BreakerEvent{
		FeatureKey: key.String(),
		EventType:  "manual_enable",
	}); err != nil {
		h.logger.Error("recording manual enable event", "feature_key", key.String(), "error", err)
	}
	h.audit.Log("manual_enable", key.String(), actor(r), nil)

	httpserver.Respond(w, http.StatusOK, map[string]string{"feature_key": key.String(), "status": string(kvcs.StatusGo)})
}

func (h *adminHandler) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	key, err := featureKeyParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_feature_key", err.Error())
		return
	}
	var limits kvcs.BudgetLimits
	if err := httpserver.Decode(r, &limits); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.kv.SetBudgetLimits(r.Context(), key.String(), limits); err != nil {
		h.logger.Error("budget edit failed", "feature_key", key.String(), "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store budget limits")
		return
	}
	h.audit.Log("budget_edit", key.String(), actor(r), map[string]any{"resources": len(limits.Resources)})

	httpserver.Respond(w, http.StatusOK, limits)
}

func (h *adminHandler) handleSetCostBudget(w http.ResponseWriter, r *http.Request) {
	key, err := featureKeyParam(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_feature_key", err.Error())
		return
	}
	var cb kvcs.CostBudget
	if err := httpserver.Decode(r, &cb); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if cb.DailyLimitUSD < 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "daily_limit_usd must be nonnegative")
		return
	}

	if err := h.kv.SetCostBudget(r.Context(), key.String(), cb); err != nil {
		h.logger.Error("cost budget edit failed", "feature_key", key.String(), "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to store cost budget")
		return
	}
	h.audit.Log("cost_budget_edit", key.String(), actor(r), map[string]any{"daily_limit_usd": cb.DailyLimitUSD})

	httpserver.Respond(w, http.StatusOK, cb)
}

func (h *adminHandler) handleDeadletters(w http.ResponseWriter, r *http.Request) {
	entries, err := queue.ListDeadletters(r.Context(), h.rdb, 100)
	if err != nil {
		h.logger.Error("listing deadletters", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list deadletters")
		return
	}
	httpserver.Respond(w, http.StatusOK, entries)
}
