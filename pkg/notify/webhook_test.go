package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookChannel_PostBreakerAlert(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshaling received payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := NewWebhookChannel(srv.URL, logger)

	err := ch.PostBreakerAlert(context.Background(), BreakerAlert{
		FeatureKey: "acme:api:checkout",
		Priority:   PriorityP0,
		EventType:  "trip",
	})
	if err != nil {
		t.Fatalf("PostBreakerAlert() error = %v", err)
	}
	if received.Kind != "breaker_alert" {
		t.Fatalf("received.Kind = %q, want breaker_alert", received.Kind)
	}
	if received.Breaker == nil || received.Breaker.FeatureKey != "acme:api:checkout" {
		t.Fatalf("received.Breaker = %+v, want feature key populated", received.Breaker)
	}
}

func TestWebhookChannel_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := NewWebhookChannel("", logger)

	if ch.IsEnabled() {
		t.Fatal("IsEnabled() = true, want false for empty URL")
	}
	if err := ch.PostDigest(context.Background(), DigestAlert{Priority: PriorityP1}); err != nil {
		t.Fatalf("PostDigest() on disabled channel error = %v, want nil no-op", err)
	}
}

func TestWebhookChannel_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := NewWebhookChannel(srv.URL, logger)

	err := ch.PostDigest(context.Background(), DigestAlert{Priority: PriorityP2})
	if err == nil {
		t.Fatal("PostDigest() error = nil, want error on 500 response")
	}
}
