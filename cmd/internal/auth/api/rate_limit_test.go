package api

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginThrottles_NoopWithoutPool(t *testing.T) {
	h := &Handler{cfg: DefaultConfig()}
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	blocked, retry, err := h.checkLoginIPThrottle(context.Background(), net.ParseIP("203.0.113.9"), now)
	if err != nil {
		t.Fatalf("ip throttle: %v", err)
	}
	if blocked || retry != 0 {
		t.Fatalf("ip throttle blocked=%v retry=%v without a pool", blocked, retry)
	}

	blocked, retry, err = h.checkLoginIdentifierThrottle(context.Background(), "user@example.com", now)
	if err != nil {
		t.Fatalf("identifier throttle: %v", err)
	}
	if blocked || retry != 0 {
		t.Fatalf("identifier throttle blocked=%v retry=%v without a pool", blocked, retry)
	}
}

func TestWriteRateLimited_SetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRateLimited(rec, 90*time.Second)

	if rec.Code != 429 {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("Retry-After = %q, want \"90\"", got)
	}
}
