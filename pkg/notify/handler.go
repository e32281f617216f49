package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wisbric/governor/pkg/featurekey"
	"github.com/wisbric/governor/pkg/kvcs"
)

// AuditWriter is the subset of internal/audit.Writer this handler needs,
// kept as a local interface so notify does not import internal packages.
type AuditWriter interface {
	Log(action, featureKeyStr, actor string, detail map[string]any)
}

// SlashCommandHandler serves the `/governor status|disable|enable
// <project:category:feature>` Slack slash command, reading and writing
// circuit-breaker state directly through the KVCS.
type SlashCommandHandler struct {
	store         *kvcs.Store
	signingSecret string
	audit         AuditWriter
	logger        *slog.Logger
}

// NewSlashCommandHandler builds a handler. audit may be nil, in which case
// actions are not recorded to the audit log.
func NewSlashCommandHandler(store *kvcs.Store, signingSecret string, audit AuditWriter, logger *slog.Logger) *SlashCommandHandler {
	return &SlashCommandHandler{store: store, signingSecret: signingSecret, audit: audit, logger: logger}
}

// Routes mounts the slash-command endpoint, wrapped in Slack signature
// verification, onto mux at path.
func (h *SlashCommandHandler) Routes(mux *http.ServeMux, path string) {
	mux.Handle(path, VerifyMiddleware(h.signingSecret, http.HandlerFunc(h.handle)))
}

func (h *SlashCommandHandler) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(r.PostForm.Get("text"))
	userName := r.PostForm.Get("user_name")
	fields := strings.Fields(text)
	if len(fields) < 1 {
		h.reply(w, "usage: /governor status|disable|enable project:category:feature")
		return
	}

	sub := strings.ToLower(fields[0])
	if sub == "status" && len(fields) == 1 {
		h.replyBreakerStatusHelp(w, r.Context())
		return
	}
	if len(fields) < 2 {
		h.reply(w, "usage: /governor status|disable|enable project:category:feature")
		return
	}

	key, err := featurekey.Parse(fields[1])
	if err != nil {
		h.reply(w, fmt.Sprintf("invalid feature key: %v", err))
		return
	}

	ctx := r.Context()
	switch sub {
	case "status":
		h.replyStatus(w, ctx, key)
	case "disable":
		reason := "manual disable via slash command"
		if len(fields) > 2 {
			reason = strings.Join(fields[2:], " ")
		}
		if err := h.store.ManualDisable(ctx, key.String(), reason, time.Now()); err != nil {
			h.reply(w, fmt.Sprintf("failed to disable %s: %v", key, err))
			return
		}
		h.recordAudit("manual_disable", key.String(), userName, map[string]any{"reason": reason})
		h.reply(w, fmt.Sprintf("🔴 %s disabled: %s", key, reason))
	case "enable":
		if err := h.store.Reset(ctx, key.String()); err != nil {
			h.reply(w, fmt.Sprintf("failed to enable %s: %v", key, err))
			return
		}
		h.recordAudit("manual_enable", key.String(), userName, nil)
		h.reply(w, fmt.Sprintf("🟢 %s enabled", key))
	default:
		h.reply(w, "unknown subcommand: "+sub)
	}
}

func (h *SlashCommandHandler) replyStatus(w http.ResponseWriter, ctx context.Context, key featurekey.Key) {
	state, err := h.store.GetBreakerState(ctx, key.String())
	if err != nil {
		h.reply(w, fmt.Sprintf("failed to read status for %s: %v", key, err))
		return
	}
	if state.Status == kvcs.StatusStop {
		h.reply(w, fmt.Sprintf("🔴 %s is STOP: %s", key, state.Reason))
		return
	}
	h.reply(w, fmt.Sprintf("🟢 %s is GO", key))
}

func (h *SlashCommandHandler) replyBreakerStatusHelp(w http.ResponseWriter, _ context.Context) {
	h.reply(w, "specify a feature key: /governor status project:category:feature")
}

func (h *SlashCommandHandler) recordAudit(action, featureKey, actor string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	h.audit.Log(action, featureKey, actor, detail)
}

func (h *SlashCommandHandler) reply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(fmt.Sprintf(`{"response_type":"ephemeral","text":%q}`, text)))
	if err != nil {
		h.logger.Warn("writing slash command response", "error", err)
	}
}
