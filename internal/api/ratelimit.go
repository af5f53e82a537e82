package api

import (
	"net/http"
	"strconv"
	"time"

	"crypta.vault/internal/metrics"
	"crypta.vault/internal/store"

	"go.uber.org/zap"
)

// RateLimiter is a fixed-window limiter keyed by client IP. Counters live
// in the shared cache so every replica sees the same window.
type RateLimiter struct {
	counter store.Counter
	name    string
	limit   int
	window  time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewRateLimiter(counter store.Counter, name string, limit int, window time.Duration, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		name:    name,
		limit:   limit,
		window:  window,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := rl.now().Truncate(rl.window).Unix()
		key := "rl:" + rl.name + ":" + clientIP(r) + ":" + strconv.FormatInt(slot, 10)

		n, err := rl.counter.Incr(r.Context(), key, rl.window)
		if err != nil {
			// Fail open when the cache is down.
			rl.logger.Warn("rate limit counter unavailable", zap.String("limiter", rl.name), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if n > int64(rl.limit) {
			if rl.metrics != nil {
				rl.metrics.RateLimitedTotal.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
