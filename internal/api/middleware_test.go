package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware([]string{"http://app.example.com"})(okHandler())

	// Preflight from an allowed origin short-circuits.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/api/v1/sync", nil)
	req.Header.Set("Origin", "http://app.example.com")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("allow-methods = %q", got)
	}

	// Disallowed origins get no CORS headers.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/sync", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got allow-origin %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("request must still pass through, status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(1, 2)
	h := rateLimitMiddleware(limiter)(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request not limited: %v", codes)
	}

	// A different client has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Real-IP", "10.0.0.2")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client limited: %d", rec.Code)
	}
}
