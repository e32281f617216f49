package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wisbric/governor/pkg/kvcs"
)

type fakeAuditWriter struct {
	actions []string
}

func (f *fakeAuditWriter) Log(action, featureKey, actor string, detail map[string]any) {
	f.actions = append(f.actions, action+":"+featureKey)
}

func newTestHandler(t *testing.T) (*SlashCommandHandler, *kvcs.Store, *fakeAuditWriter, string) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kvcs.New(client, logger)
	audit := &fakeAuditWriter{}
	secret := "shh"
	h := NewSlashCommandHandler(store, secret, audit, logger)
	return h, store, audit, secret
}

func postSlashCommand(t *testing.T, h *SlashCommandHandler, secret, text string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"text": {text}, "user_name": {"alice"}}
	body := form.Encode()

	tsStr := strconv.FormatInt(time.Now().Unix(), 10)
	base := "v0:" + tsStr + ":" + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/slash", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", tsStr)
	req.Header.Set("X-Slack-Signature", sig)

	mux := http.NewServeMux()
	h.Routes(mux, "/slash")

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestSlashCommandHandler_DisableAndEnable(t *testing.T) {
	h, store, audit, secret := newTestHandler(t)
	ctx := context.Background()

	rr := postSlashCommand(t, h, secret, "disable acme:api:checkout overloaded")
	if rr.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "disabled") {
		t.Fatalf("disable response = %q, want mention of disabled", rr.Body.String())
	}

	status, err := store.GetBreakerStatus(ctx, "acme:api:checkout")
	if err != nil {
		t.Fatalf("GetBreakerStatus() error = %v", err)
	}
	if status != kvcs.StatusStop {
		t.Fatalf("GetBreakerStatus() = %v, want STOP after disable", status)
	}

	rr = postSlashCommand(t, h, secret, "enable acme:api:checkout")
	if rr.Code != http.StatusOK {
		t.Fatalf("enable status = %d, want 200", rr.Code)
	}

	status, err = store.GetBreakerStatus(ctx, "acme:api:checkout")
	if err != nil {
		t.Fatalf("GetBreakerStatus() error = %v", err)
	}
	if status != kvcs.StatusGo {
		t.Fatalf("GetBreakerStatus() = %v, want GO after enable", status)
	}

	if len(audit.actions) != 2 {
		t.Fatalf("audit.actions = %v, want 2 entries", audit.actions)
	}
}

func TestSlashCommandHandler_StatusUnknownFeature(t *testing.T) {
	h, _, _, secret := newTestHandler(t)

	rr := postSlashCommand(t, h, secret, "status acme:api:checkout")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "GO") {
		t.Fatalf("response = %q, want GO for never-tripped feature", rr.Body.String())
	}
}

func TestSlashCommandHandler_InvalidFeatureKey(t *testing.T) {
	h, _, _, secret := newTestHandler(t)

	rr := postSlashCommand(t, h, secret, "disable not-a-valid-key")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid feature key") {
		t.Fatalf("response = %q, want invalid feature key error", rr.Body.String())
	}
}

func TestSlashCommandHandler_RejectsBadSignature(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	rr := postSlashCommand(t, h, "wrong-secret", "status acme:api:checkout")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad signature", rr.Code)
	}
}
