package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, body string, ts time.Time) *http.Request {
	t.Helper()
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	base := "v0:" + tsStr + ":" + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, "/slash", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("X-Slack-Request-Timestamp", tsStr)
	req.Header.Set("X-Slack-Signature", sig)
	return req
}

func TestVerifySignature_Valid(t *testing.T) {
	secret := "shh"
	req := signedRequest(t, secret, "text=hello", time.Now())

	body, err := VerifySignature(secret, req)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if string(body) != "text=hello" {
		t.Fatalf("VerifySignature() body = %q, want %q", body, "text=hello")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	req := signedRequest(t, "shh", "text=hello", time.Now())

	if _, err := VerifySignature("different", req); err == nil {
		t.Fatal("VerifySignature() error = nil, want mismatch error")
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	req := signedRequest(t, "shh", "text=hello", time.Now().Add(-time.Hour))

	if _, err := VerifySignature("shh", req); err == nil {
		t.Fatal("VerifySignature() error = nil, want stale timestamp rejection")
	}
}

func TestVerifySignature_MissingHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "/slash", bytes.NewReader([]byte("text=hello")))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	if _, err := VerifySignature("shh", req); err == nil {
		t.Fatal("VerifySignature() error = nil, want missing-header error")
	}
}

func TestVerifyMiddleware_RestoresBody(t *testing.T) {
	secret := "shh"
	var gotBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 20)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	})

	req := signedRequest(t, secret, "text=ping", time.Now())
	rr := httptest.NewRecorder()
	VerifyMiddleware(secret, next).ServeHTTP(rr, req)

	if gotBody != "text=ping" {
		t.Fatalf("downstream body = %q, want %q", gotBody, "text=ping")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
