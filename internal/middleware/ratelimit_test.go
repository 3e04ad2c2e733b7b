package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"socwatch/internal/config"
)

// slowRefill keeps buckets from refilling during a test.
const slowRefill = 0.001

func testLimiterConfig(burst int) config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:        true,
		RequestsPerSec: slowRefill,
		BurstSize:      burst,
		CleanupPeriod:  time.Minute,
		ExemptPaths:    []string{"/health", "/metrics"},
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(3), slog.Default())
	defer limiter.Stop()

	ip := "192.168.1.100"

	for i := 0; i < 3; i++ {
		allowed, remaining := limiter.Allow(ip)
		if !allowed {
			t.Errorf("request %d should be allowed, but was denied", i+1)
		}
		if want := 3 - i - 1; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, remaining := limiter.Allow(ip)
	if allowed {
		t.Error("request 4 should be denied, but was allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestRateLimiter_MultipleIPs(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(2), slog.Default())
	defer limiter.Stop()

	for _, ip := range []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"} {
		for i := 0; i < 2; i++ {
			if allowed, _ := limiter.Allow(ip); !allowed {
				t.Errorf("IP %s: request %d should be allowed", ip, i+1)
			}
		}
		if allowed, _ := limiter.Allow(ip); allowed {
			t.Errorf("IP %s: request 3 should be denied", ip)
		}
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(5), slog.Default())
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	if got := limiter.Stats().TrackedIPs; got != 5 {
		t.Fatalf("TrackedIPs = %d, want 5", got)
	}

	if removed := limiter.cleanup(time.Now()); removed != 0 {
		t.Errorf("cleanup removed %d fresh clients, want 0", removed)
	}
	if removed := limiter.cleanup(time.Now().Add(2 * time.Minute)); removed != 5 {
		t.Errorf("cleanup removed %d, want 5", removed)
	}
	if got := limiter.Stats().TrackedIPs; got != 0 {
		t.Errorf("TrackedIPs after cleanup = %d, want 0", got)
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(2), slog.Default())
	defer limiter.Stop()

	// 1 + 2 + 3 requests; the third IP exceeds its burst once.
	for i := 1; i <= 3; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		for j := 0; j < i; j++ {
			limiter.Allow(ip)
		}
	}

	stats := limiter.Stats()
	if stats.TrackedIPs != 3 {
		t.Errorf("TrackedIPs = %d, want 3", stats.TrackedIPs)
	}
	if stats.Allowed != 5 {
		t.Errorf("Allowed = %d, want 5", stats.Allowed)
	}
	if stats.Limited != 1 {
		t.Errorf("Limited = %d, want 1", stats.Limited)
	}
}

func TestRateLimiter_IsExempt(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(1), slog.Default())
	defer limiter.Stop()

	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/metrics", true},
		{"/v1/events", false},
		{"/health/extra", false},
	}
	for _, tt := range tests {
		if got := limiter.IsExempt(tt.path); got != tt.want {
			t.Errorf("IsExempt(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(5), slog.Default())
	defer limiter.Stop()

	wrapped := limiter.Middleware(okHandler())

	t.Run("allows requests within limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			w := httptest.NewRecorder()

			wrapped.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i+1, w.Code)
			}
			if w.Header().Get("X-RateLimit-Limit") != "5" {
				t.Errorf("X-RateLimit-Limit = %q, want 5", w.Header().Get("X-RateLimit-Limit"))
			}
			if w.Header().Get("X-RateLimit-Remaining") == "" {
				t.Error("missing X-RateLimit-Remaining header")
			}
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()

		wrapped.ServeHTTP(w, req)

		if w.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}

		var response map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse JSON response: %v", err)
		}
		if response["success"] != false {
			t.Errorf("success = %v, want false", response["success"])
		}
	})

	t.Run("exempts configured paths", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()

		wrapped.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("exempt path status = %d, want 200", w.Code)
		}
	})

	t.Run("separate limits for different IPs", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		req.RemoteAddr = "192.168.1.200:12345"
		w := httptest.NewRecorder()

		wrapped.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("new IP status = %d, want 200", w.Code)
		}
	})
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := testLimiterConfig(1)
	cfg.Enabled = false
	limiter := NewRateLimiter(cfg, slog.Default())
	defer limiter.Stop()

	wrapped := limiter.Middleware(okHandler())
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}
}

func TestRateLimitMiddleware_TrustProxy(t *testing.T) {
	cfg := testLimiterConfig(1)
	cfg.TrustProxy = true
	limiter := NewRateLimiter(cfg, slog.Default())
	defer limiter.Stop()

	wrapped := limiter.Middleware(okHandler())

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Errorf("first client status = %d, want 200", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Errorf("repeat client status = %d, want 429", code)
	}
}

func TestRateLimitMiddleware_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(50), slog.Default())
	defer limiter.Stop()

	wrapped := limiter.Middleware(okHandler())

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount, limitedCount := 0, 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
			req.RemoteAddr = "192.168.1.100:12345"
			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)

			mu.Lock()
			defer mu.Unlock()
			switch w.Code {
			case http.StatusOK:
				okCount++
			case http.StatusTooManyRequests:
				limitedCount++
			}
		}()
	}
	wg.Wait()

	if okCount != 50 {
		t.Errorf("allowed = %d, want 50", okCount)
	}
	if limitedCount != 50 {
		t.Errorf("limited = %d, want 50", limitedCount)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trustProxy bool
		expected   string
	}{
		{
			name:       "basic RemoteAddr",
			remoteAddr: "192.168.1.100:12345",
			expected:   "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For when trust proxy",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.100",
			trustProxy: true,
			expected:   "203.0.113.100",
		},
		{
			name:       "X-Forwarded-For ignored when not trust proxy",
			remoteAddr: "192.168.1.100:12345",
			xff:        "203.0.113.100",
			expected:   "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For with multiple IPs",
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.100, 198.51.100.50",
			trustProxy: true,
			expected:   "198.51.100.50",
		},
		{
			name:       "X-Real-IP when trust proxy",
			remoteAddr: "127.0.0.1:12345",
			xri:        "203.0.113.200",
			trustProxy: true,
			expected:   "203.0.113.200",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.168.1.7",
			expected:   "192.168.1.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := ClientIP(req, tt.trustProxy); got != tt.expected {
				t.Errorf("ClientIP() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	cfg := testLimiterConfig(100)
	cfg.RequestsPerSec = 1000
	limiter := NewRateLimiter(cfg, slog.Default())
	defer limiter.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("192.168.1.100")
	}
}
