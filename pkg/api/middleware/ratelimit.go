package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/ratelimit"
)

// Limiter is the slice of the rate limiter the middleware needs.
type Limiter interface {
	Allow(id string) ratelimit.Decision
}

// RateLimitMetrics counts refused requests. May be nil.
type RateLimitMetrics interface {
	RecordRateLimited(route string)
}

// KeyRateLimit limits requests per capability key. Must run after PlaneAuth
// so the key is in the context. A nil limiter disables limiting entirely,
// including the advisory headers.
func KeyRateLimit(limiter Limiter, metrics RateLimitMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := KeyFromContext(r.Context())
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}
			decide(w, r, next, limiter.Allow(key.ID), metrics)
		})
	}
}

// IPRateLimit limits requests per client IP. Used on the bootstrap endpoint,
// which no key protects. Relies on RealIP having already rewritten
// RemoteAddr when the server sits behind a proxy.
func IPRateLimit(limiter Limiter, metrics RateLimitMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			decide(w, r, next, limiter.Allow(host), metrics)
		})
	}
}

func decide(w http.ResponseWriter, r *http.Request, next http.Handler, d ratelimit.Decision, metrics RateLimitMetrics) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

	if !d.Allowed {
		retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		if metrics != nil {
			metrics.RecordRateLimited(routePattern(r))
		}
		respond.Err(w, r, apierr.New(apierr.CodeRateLimited, "rate limit exceeded"))
		return
	}

	next.ServeHTTP(w, r)
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
