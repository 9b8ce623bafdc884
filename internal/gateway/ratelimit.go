package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"larkgate/pkg/logging"
)

// rateLimiter provides sliding-window rate limiting keyed by an opaque
// string (session id or originating IP).
//
// Each key can make at most maxRequests requests within the window; old
// request timestamps are pruned lazily and by Cleanup.
type rateLimiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration

	requests map[string][]time.Time
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
	}
}

// allow checks whether a request under the given key is admitted. If
// admitted, the request is recorded; if limited, it is not.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	existing := rl.requests[key]
	recent := existing[:0]
	for _, t := range existing {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxRequests {
		rl.requests[key] = recent
		return false
	}

	rl.requests[key] = append(recent, now)
	return true
}

// Cleanup removes keys with no recent requests. Called periodically to
// prevent unbounded growth.
func (rl *rateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := time.Now().Add(-rl.window)
	for key, times := range rl.requests {
		var recent []time.Time
		for _, t := range times {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = recent
		}
	}
}

// clientIP extracts the originating IP, honoring X-Forwarded-For from the
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware applies the session-first, IP-fallback limiting
// policy: a request presenting a session id is charged to that session's
// budget, everything else is charged to the caller's IP. IP-keyed traffic
// never counts against a session's allowance.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
			if !s.sessionLimiter.allow(sessionID) {
				logging.Warn("Gateway", "Rate limit exceeded for session %s", logging.TruncateSessionID(sessionID))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		} else {
			ip := clientIP(r)
			if !s.ipLimiter.allow(ip) {
				logging.Warn("Gateway", "Rate limit exceeded for IP %s", ip)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
