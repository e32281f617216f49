package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/governor/internal/httpserver"
	"github.com/wisbric/governor/pkg/warehouse"
)

// Lister reads audit entries back out of the warehouse.
type Lister interface {
	ListAuditLog(ctx context.Context, limit, offset int) ([]warehouse.AuditEntry, error)
}

// Handler serves the control-plane audit trail, read-only.
type Handler struct {
	logger *slog.Logger
	store  Lister
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger, store Lister) *Handler {
	return &Handler{logger: logger, store: store}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.store.ListAuditLog(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
