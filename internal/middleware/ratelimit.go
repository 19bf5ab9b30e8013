package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(userID int64) bool
	Reset(userID int64)
}

// UserRateLimiter implements per-user rate limiting
type UserRateLimiter struct {
	enabled         bool
	limiters        map[int64]*rate.Limiter
	mu              sync.RWMutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	cleanupInterval time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.Config, logger *logrus.Logger) RateLimiter {
	if !cfg.RateLimit.Enabled {
		return &UserRateLimiter{enabled: false}
	}

	rl := &UserRateLimiter{
		enabled:         true,
		limiters:        make(map[int64]*rate.Limiter),
		rpm:             cfg.RateLimit.RequestsPerMinute,
		burst:           cfg.RateLimit.Burst,
		logger:          logger,
		cleanupInterval: 1 * time.Hour,
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a user is allowed to make a request
func (r *UserRateLimiter) Allow(userID int64) bool {
	if !r.enabled {
		return true
	}

	limiter := r.getLimiter(userID)
	allowed := limiter.Allow()

	if !allowed {
		r.logger.WithField("user_id", userID).Warn("Rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a user
func (r *UserRateLimiter) Reset(userID int64) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, userID)
	r.mu.Unlock()
}

// getLimiter gets or creates a rate limiter for a user
func (r *UserRateLimiter) getLimiter(userID int64) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[userID]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, exists := r.limiters[userID]; exists {
		return limiter
	}

	rps := float64(r.rpm) / 60.0
	limiter = rate.NewLimiter(rate.Limit(rps), r.burst)
	r.limiters[userID] = limiter

	return limiter
}

// cleanup bounds the limiter map size
func (r *UserRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if len(r.limiters) > 10000 {
			r.logger.Warn("Rate limiter map size exceeded threshold, clearing")
			r.limiters = make(map[int64]*rate.Limiter)
		}
		r.mu.Unlock()
	}
}

// ValidateInput performs basic input validation before orchestration
func ValidateInput(text string) error {
	if len(text) > 4096 {
		return fmt.Errorf("message too long: %d bytes", len(text))
	}
	return nil
}
