package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is a fixed-window rate limit for one endpoint, keyed as
// "METHOD /path".
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP fixed-window limits on the configured
// endpoints. Endpoints without a rule pass through.
type RateLimiter struct {
	rules   map[string]Rule
	buckets sync.Map
}

// NewRateLimiter builds a limiter from a static rule table.
func NewRateLimiter(rules map[string]Rule) *RateLimiter {
	return &RateLimiter{rules: rules}
}

// Run garbage-collects expired buckets until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			rl.buckets.Range(func(key, value any) bool {
				b := value.(*bucket)
				b.mu.Lock()
				expired := now.After(b.resetAt)
				b.mu.Unlock()
				if expired {
					rl.buckets.Delete(key)
				}
				return true
			})
		}
	}
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	rule, ok := rl.rules[endpoint]
	if !ok {
		return true, 0
	}
	val, _ := rl.buckets.LoadOrStore(ip+":"+endpoint, &bucket{})
	b := val.(*bucket)

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rule.Window)
	}
	b.count++
	return b.count <= rule.MaxRequests, time.Until(b.resetAt)
}

// Middleware rejects over-limit requests with a 429 JSON body and a
// Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, retryIn := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("rate limit exceeded", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
