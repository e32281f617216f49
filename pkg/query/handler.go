package query

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/governor/pkg/degrade"
	"github.com/wisbric/governor/pkg/featurekey"
	"github.com/wisbric/governor/pkg/kvcs"
)

// Handler exposes the dashboard query routes.
type Handler struct {
	svc     *Service
	kv      *kvcs.Store
	degrade *degrade.Controller
	logger  *slog.Logger
}

// NewHandler creates the query Handler.
func NewHandler(svc *Service, kv *kvcs.Store, ctrl *degrade.Controller, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, kv: kv, degrade: ctrl, logger: logger}
}

// Routes returns a chi.Router with the query routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/usage", h.handleUsage)
	r.Get("/features", h.handleFeatures)
	r.Get("/features/{project}/{category}/{feature}/status", h.handleFeatureStatus)
	return r
}

// envelope is the dashboard response shape: success + data, or success:false
// with an error code and message.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding query response", "error", err)
	}
}

func respondData(w http.ResponseWriter, data any) {
	respond(w, http.StatusOK, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respond(w, status, envelope{Success: false, Error: code, Code: code, Message: message})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		respondError(w, http.StatusBadRequest, "missing_project", "project query parameter is required")
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now
	var err error
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
			return
		}
	}
	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "invalid_range", "from must be before to")
		return
	}

	result, err := h.svc.Usage(r.Context(), project, from, to)
	if err != nil {
		h.logger.Error("usage query failed", "project", project, "error", err)
		respondError(w, http.StatusInternalServerError, "query_failed", "usage query failed")
		return
	}
	respondData(w, result)
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	regs, err := h.svc.Features(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		h.logger.Error("feature listing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query_failed", "feature listing failed")
		return
	}
	respondData(w, regs)
}

// featureStatus combines live breaker, throttle, and latency state for one
// feature: the data applications consult on their hot path, readable here
// for dashboards and debugging.
type featureStatus struct {
	FeatureKey   string  `json:"feature_key"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason,omitempty"`
	DisabledAt   *string `json:"disabled_at,omitempty"`
	AutoResetAt  *string `json:"auto_reset_at,omitempty"`
	ThrottleRate float64 `json:"throttle_rate"`
	CPUMsP50     float64 `json:"cpu_ms_p50"`
	CPUMsP95     float64 `json:"cpu_ms_p95"`
	CPUMsP99     float64 `json:"cpu_ms_p99"`
}

func (h *Handler) handleFeatureStatus(w http.ResponseWriter, r *http.Request) {
	key, err := featurekey.New(
		chi.URLParam(r, "project"),
		chi.URLParam(r, "category"),
		chi.URLParam(r, "feature"),
	)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_feature_key", err.Error())
		return
	}

	ctx := r.Context()
	state, err := h.kv.GetBreakerState(ctx, key.String())
	if err != nil {
		h.logger.Error("breaker state read failed", "feature_key", key.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "state_read_failed", "breaker state read failed")
		return
	}

	status := featureStatus{FeatureKey: key.String(), Status: string(state.Status), Reason: state.Reason}
	if state.DisabledAt != nil {
		s := state.DisabledAt.UTC().Format(time.RFC3339)
		status.DisabledAt = &s
	}
	if state.AutoResetAt != nil {
		s := state.AutoResetAt.UTC().Format(time.RFC3339)
		status.AutoResetAt = &s
	}

	if pid, found, err := h.kv.GetPIDState(ctx, key.String()); err != nil {
		h.logger.Warn("pid state read failed", "feature_key", key.String(), "error", err)
	} else if found {
		status.ThrottleRate = pid.ThrottleRate
	}

	for _, p := range []struct {
		pct float64
		dst *float64
	}{{50, &status.CPUMsP50}, {95, &status.CPUMsP95}, {99, &status.CPUMsP99}} {
		v, err := h.degrade.Percentile(ctx, key.String(), p.pct)
		if err != nil {
			h.logger.Warn("reservoir percentile read failed", "feature_key", key.String(), "error", err)
			break
		}
		*p.dst = v
	}

	respondData(w, status)
}
