package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/jobloop/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

// withCallerBudget meters file registration per caller within the graph.
func (s *Server) withCallerBudget(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.Key{Graph: s.graph, Caller: s.caller(r)}
		if s.admit(w, r, key) {
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) caller(r *http.Request) string {
	caller := strings.TrimSpace(r.Header.Get(s.callerHeader))
	if caller == "" {
		return "anonymous"
	}
	return caller
}

// admit spends one token of key's budget and writes the 429 itself when the
// budget is empty. A limiter failure admits the request.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, key ratelimit.Key) bool {
	if s.rateLimiter == nil {
		return true
	}

	decision, err := s.rateLimiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter check failed",
			slog.String("budget", key.String()),
			slog.String("error", err.Error()),
		)
		return true
	}

	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
