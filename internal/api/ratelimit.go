package api

import (
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-IP request limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requestsPerSecond" toml:"requests_per_second"`
	Burst             int           `json:"burst" toml:"burst"`
	CleanupInterval   time.Duration `json:"cleanupInterval" toml:"cleanup_interval"`
}

// DefaultRateLimitConfig leaves room for a dashboard polling a few endpoints.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 20,
	Burst:             40,
	CleanupInterval:   5 * time.Minute,
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// IPRateLimiter limits requests per client IP. Idle limiters are dropped
// after two cleanup intervals.
type IPRateLimiter struct {
	limiters sync.Map // map[string]*ipLimiterEntry
	config   RateLimitConfig
	stopChan chan struct{}
	stopOnce sync.Once

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	rl := &IPRateLimiter{
		config:   cfg,
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *IPRateLimiter) limiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := rl.limiters.Load(ip); ok {
		e := v.(*ipLimiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	entry := &ipLimiterEntry{
		limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
	}
	entry.lastSeen.Store(now)
	actual, _ := rl.limiters.LoadOrStore(ip, entry)
	return actual.(*ipLimiterEntry).limiter
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanup(time.Now())
		}
	}
}

func (rl *IPRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.config.CleanupInterval * 2).UnixNano()
	rl.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Allow reports whether one more request from ip fits its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	if rl.limiter(ip).Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeErrorMessage(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitStats are limiter counters.
type RateLimitStats struct {
	Allowed  uint64 `json:"allowed" msgpack:"allowed"`
	Rejected uint64 `json:"rejected" msgpack:"rejected"`
}

func (rl *IPRateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Allowed:  rl.allowed.Load(),
		Rejected: rl.rejected.Load(),
	}
}

// GetClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then
// the remote address. Forwarded headers are only trustworthy behind a proxy.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnLimiter caps concurrent WebSocket connections per IP.
type ConnLimiter struct {
	connections sync.Map // map[string]*atomic.Int32
	maxPerIP    int32
	rejected    atomic.Uint64
}

func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{maxPerIP: int32(maxPerIP)}
}

// Acquire reserves a connection slot for ip.
func (cl *ConnLimiter) Acquire(ip string) bool {
	actual, _ := cl.connections.LoadOrStore(ip, new(atomic.Int32))
	counter := actual.(*atomic.Int32)

	for {
		current := counter.Load()
		if current >= cl.maxPerIP {
			cl.rejected.Add(1)
			return false
		}
		if counter.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a slot taken by Acquire.
func (cl *ConnLimiter) Release(ip string) {
	if v, ok := cl.connections.Load(ip); ok {
		v.(*atomic.Int32).Add(-1)
	}
}

func (cl *ConnLimiter) Count(ip string) int {
	if v, ok := cl.connections.Load(ip); ok {
		return int(v.(*atomic.Int32).Load())
	}
	return 0
}

// OriginPolicy matches browser origins against glob patterns such as
// "http://localhost:*". An empty Origin header is allowed so non-browser
// clients can connect.
type OriginPolicy struct {
	patterns []string
}

// DefaultOrigins only admit local dashboards.
var DefaultOrigins = []string{
	"http://localhost",
	"http://localhost:*",
	"http://127.0.0.1:*",
}

func NewOriginPolicy(patterns []string) OriginPolicy {
	if patterns == nil {
		patterns = DefaultOrigins
	}
	return OriginPolicy{patterns: patterns}
}

func (p OriginPolicy) Patterns() []string {
	return p.patterns
}

func (p OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, pattern := range p.patterns {
		if pattern == "*" || pattern == origin {
			return true
		}
		if ok, err := path.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}
