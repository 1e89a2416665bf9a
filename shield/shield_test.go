package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got == "" {
		t.Fatal("no CSP header")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(map[string]Rule{
		"POST /api/auth/login": {MaxRequests: 2, Window: 50 * time.Millisecond},
	})
	h := rl.Middleware(okHandler())

	do := func(path string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:4000"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("/api/auth/login") != http.StatusOK || do("/api/auth/login") != http.StatusOK {
		t.Fatal("requests within limit rejected")
	}
	if code := do("/api/auth/login"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status %d, want 429", code)
	}
	// Unruled endpoints are never limited.
	for i := 0; i < 5; i++ {
		if do("/api/upload/upload") != http.StatusOK {
			t.Fatal("unruled endpoint limited")
		}
	}

	time.Sleep(60 * time.Millisecond)
	if code := do("/api/auth/login"); code != http.StatusOK {
		t.Fatalf("after window reset: status %d, want 200", code)
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(map[string]Rule{
		"GET /x": {MaxRequests: 1, Window: time.Minute},
	})
	h := rl.Middleware(okHandler())

	do := func(ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if do("10.0.0.1") != http.StatusOK {
		t.Fatal("first request rejected")
	}
	if do("10.0.0.1") != http.StatusTooManyRequests {
		t.Fatal("second request from same IP allowed")
	}
	if do("10.0.0.2") != http.StatusOK {
		t.Fatal("other IP blocked")
	}
}

func TestExtractIPForwarded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Fatalf("ExtractIP = %q", got)
	}
}

func TestMaxJSONBody(t *testing.T) {
	h := MaxJSONBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && !strings.Contains(err.Error(), "EOF") {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 64)))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized JSON body: status %d, want 413", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("tiny"))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("small JSON body: status %d, want 200", rec.Code)
	}
}
