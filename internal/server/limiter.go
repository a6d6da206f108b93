package server

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates per principal. Zero RPS disables
// limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type rateLimiter struct {
	cfg      RateLimitConfig
	limiters sync.Map // map[string]*rate.Limiter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg}
}

func (l *rateLimiter) limiterFor(key string) *rate.Limiter {
	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

// middleware limits by authenticated actor when available, by remote host
// otherwise.
func (l *rateLimiter) middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if l.cfg.RPS <= 0 || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			key := ""
			if p, ok := principalFromContext(req.Context()); ok {
				key = p.TenantID + "/" + p.ActorID
			}
			if key == "" {
				host, _, err := net.SplitHostPort(req.RemoteAddr)
				if err != nil {
					host = req.RemoteAddr
				}
				key = "ip/" + host
			}
			if !l.limiterFor(key).Allow() {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
