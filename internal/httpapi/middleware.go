package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"catalog-backend/internal/ratelimit"
)

// RateLimitPolicy is the HTTP layer's admission policy, including the
// fail-open/fail-closed decision the limiter itself refuses to make.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
	// FailOpen admits requests when the limiter errors; fail-closed rejects
	// them with 503.
	FailOpen bool
}

// RateLimit applies sliding-window admission per client key and sets the
// standard rate-limit response headers.
func RateLimit(limiter *ratelimit.Limiter, policy RateLimitPolicy, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := ratelimit.Config{Limit: policy.Limit, WindowSize: policy.Window}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			result, err := limiter.Check(r.Context(), key, cfg)
			if err != nil {
				logger.Warn("rate limiter unavailable",
					zap.String("client", key),
					zap.Bool("fail_open", policy.FailOpen),
					zap.Error(err))
				if policy.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller: API token when present, client IP
// otherwise.
func clientKey(r *http.Request) string {
	if token := r.Header.Get("X-API-Token"); token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
