/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Rate limiting middleware adapter over the
             multi-dimensional Rate Limiter (§4.7).
Root Cause:  Sprint task T019 — Rate limiting middleware.
Context:     Distributed rate limiting prevents abuse before
             business logic executes.
Suitability: L3 model for distributed rate limiting logic.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/ratelimit"
)

// RateLimitMiddleware adapts ratelimit.Limiter into chi middleware, checking
// both the endpoint and the caller's IP dimension on every request. The
// sliding-window/token-bucket/fixed-window bookkeeping this middleware used
// to own directly now lives in ratelimit.Limiter as one of three selectable
// algorithms.
type RateLimitMiddleware struct {
	logger  zerolog.Logger
	limiter *ratelimit.Limiter
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(logger zerolog.Logger, limiter *ratelimit.Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{logger: logger, limiter: limiter}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		decision := rl.limiter.Check(map[ratelimit.Dimension]string{
			ratelimit.DimEndpoint: r.URL.Path,
			ratelimit.DimIP:       ip,
		})

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, fmt.Sprintf(`{"error":"rate_limit_exceeded","message":"rate limit exceeded on %s","retry_after":%d}`,
				decision.Dimension, retryAfter), http.StatusTooManyRequests)
			rl.logger.Warn().Str("dimension", string(decision.Dimension)).Str("path", r.URL.Path).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
