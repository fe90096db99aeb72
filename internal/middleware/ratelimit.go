package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRateLimitConfig returns the default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
	}
}

// clientLimiter pairs a token bucket with its last use so idle entries can be
// evicted.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit returns an in-process per-client rate limiting middleware. The
// control plane is single-process per repo, so token buckets keyed by client
// IP are sufficient; no shared store is involved.
func RateLimit(cfg RateLimitConfig) func(next http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
	)
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)

	evict := func(now time.Time) {
		for id, c := range clients {
			if now.Sub(c.lastSeen) > 10*time.Minute {
				delete(clients, id)
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getRealIP(r)
			now := time.Now()

			mu.Lock()
			if len(clients) > 4096 {
				evict(now)
			}
			c, ok := clients[clientID]
			if !ok {
				c = &clientLimiter{limiter: rate.NewLimiter(perSecond, cfg.BurstSize)}
				clients[clientID] = c
			}
			c.lastSeen = now
			allowed := c.limiter.Allow()
			mu.Unlock()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			if !allowed {
				w.Header().Set("Retry-After", "1")
				response.Error(w, cperrors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getRealIP extracts the client IP, considering proxy headers.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
