package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/michaelbrown/runbox/internal/metrics"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter admits new connections against a global rate, a per-IP rate
// and a cap on concurrently open connections.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	ipRate        rate.Limit
	ipBurst       int
	maxConcurrent int

	mu      sync.Mutex
	perIP   map[string]*ipLimiter
	current int
}

// NewRateLimiter creates a limiter. A maxConcurrent of zero means no cap.
func NewRateLimiter(globalRPS, perIPRPS float64, perIPBurst, maxConcurrent int) *RateLimiter {
	burst := int(globalRPS) * 2
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(globalRPS), burst),
		ipRate:        rate.Limit(perIPRPS),
		ipBurst:       perIPBurst,
		maxConcurrent: maxConcurrent,
		perIP:         make(map[string]*ipLimiter),
	}
}

// Allow reports whether a new connection from ip may proceed. Every true
// result must be paired with a call to Done.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.perIP[ip] = l
	}
	l.lastSeen = time.Now()

	if !l.limiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	if rl.maxConcurrent > 0 && rl.current >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.current++
	return true
}

// Done releases a concurrency slot taken by Allow.
func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.current > 0 {
		rl.current--
	}
	rl.mu.Unlock()
}

// Middleware rejects requests that Allow refuses with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		defer rl.Done()

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops per-IP limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdle)
	for ip, l := range rl.perIP {
		if l.lastSeen.Before(cutoff) {
			delete(rl.perIP, ip)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(interval)
			case <-stop:
				return
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
