package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/RedRooEnergy/authority-engine/pkg/httpx"
)

// Middleware limits requests per client IP and path. A zero limit disables
// the middleware.
func Middleware(limiter Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := limiter.Allow(clientKey(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			if !dec.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(dec.ResetAt.Unix()), 10))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + ":" + r.URL.Path
}
