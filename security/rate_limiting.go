package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinic-flow/internal/status"
	"clinic-flow/models"
	"clinic-flow/monitoring"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per key in fixed Redis windows.
type RateLimiter struct {
	redis   *redis.Client
	limit   int
	window  time.Duration
	monitor *monitoring.Monitor
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, monitor *monitoring.Monitor) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:   redisClient,
		limit:   limit,
		window:  window,
		monitor: monitor,
	}
}

// Allow increments the counter for key and reports whether it is still
// within the limit. The window starts at the first hit; the counter and its
// TTL are written in one transaction so a key never outlives its window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(r.limit), nil
}

// PinAttemptLimit throttles PIN verification per client IP. Redis failures
// let the request through; the per-session lockout still applies.
func (r *RateLimiter) PinAttemptLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		ip := e.RealIP()
		allowed, err := r.allowPin(e.Request.Context(), ip)
		if err != nil {
			slog.Warn("PIN rate limiter unavailable", "ip", ip, "error", err)
			return e.Next()
		}
		if !allowed {
			return e.JSON(http.StatusTooManyRequests, throttledResult())
		}
		return e.Next()
	}
}

func (r *RateLimiter) allowPin(ctx context.Context, ip string) (bool, error) {
	allowed, err := r.Allow(ctx, fmt.Sprintf("ratelimit:pin:%s", ip))
	if err != nil {
		return true, err
	}
	if !allowed {
		r.monitor.TrackPinThrottled()
	}
	return allowed, nil
}

func throttledResult() *models.Result {
	return &models.Result{
		OK:    false,
		Event: models.EventPinVerify.String(),
		Error: &models.ResultError{
			Code:    status.CodeRateLimited,
			Message: "Too many PIN attempts. Please try again later.",
		},
	}
}

// BlockSuspiciousAgents rejects obvious crawlers before they reach the kiosk routes.
func BlockSuspiciousAgents(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return e.JSON(http.StatusForbidden, map[string]string{
			"error": "Access denied",
		})
	}
	return e.Next()
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
