package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func fromIP(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsBurst(t *testing.T) {
	h := NewRateLimiter(10, 10, RemoteIP).Handler(okHandler())
	for i := range 10 {
		if rec := fromIP(h, "192.168.1.1"); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	h := NewRateLimiter(10, 5, RemoteIP).Handler(okHandler())
	for range 5 {
		fromIP(h, "192.168.1.1")
	}

	rec := fromIP(h, "192.168.1.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 1, RemoteIP)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Handler(okHandler())

	fromIP(h, "10.0.0.1")
	if rec := fromIP(h, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	now = now.Add(time.Second)
	if rec := fromIP(h, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("expected refill after 1s, got %d", rec.Code)
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	h := NewRateLimiter(10, 2, RemoteIP).Handler(okHandler())
	for range 2 {
		fromIP(h, "10.0.0.1")
	}
	if rec := fromIP(h, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := fromIP(h, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("10.0.0.2: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterByRouteParam(t *testing.T) {
	rl := NewRateLimiter(10, 1, URLParam("id"))
	r := chi.NewRouter()
	r.With(rl.Handler).Post("/agents/{id}/messages", okHandler().ServeHTTP)

	send := func(id string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agents/"+id+"/messages", http.NoBody))
		return rec.Code
	}
	if send("risk_1") != http.StatusOK || send("risk_1") != http.StatusTooManyRequests {
		t.Fatal("expected second message to risk_1 to be limited")
	}
	if send("risk_2") != http.StatusOK {
		t.Fatal("recipients must not share a bucket")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 5, RemoteIP)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	fromIP(rl.Handler(okHandler()), "10.0.0.1")

	now = now.Add(time.Hour)
	rl.cleanup(time.Minute)
	if rl.Len() != 0 {
		t.Fatalf("expected idle bucket removed, %d left", rl.Len())
	}
}
