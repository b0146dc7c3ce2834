package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/outpost-sec/outpost/internal/config"
)

// Limiter throttles outbound requests from adapters so discovery jobs do
// not hammer third-party services or scan targets. A global token bucket
// is combined with a minimum delay per host.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	lastRequest  map[string]time.Time
	mu           sync.Mutex
}

// DefaultConfig returns the rate limits used when nothing is configured.
func DefaultConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		MinDelay:          100 * time.Millisecond,
	}
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		requestDelay: cfg.MinDelay,
		lastRequest:  make(map[string]time.Time),
	}
}

// Wait blocks until the global rate limiter allows the request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost blocks until the global limiter allows a request and the
// per-host minimum delay has elapsed.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastRequest[host]; ok {
		elapsed := time.Since(last)
		if elapsed < l.requestDelay {
			select {
			case <-time.After(l.requestDelay - elapsed):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	l.lastRequest[host] = time.Now()
	return nil
}

// Allow reports whether a request may proceed without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Reset clears per-host state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequest = make(map[string]time.Time)
}
