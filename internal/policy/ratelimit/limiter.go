// Package ratelimit spaces out key fetches per lane with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

// Limiter manages per-lane politeness limits.
type Limiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	defaultInterval time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval is the minimum spacing between two keys of one lane.
	DefaultInterval time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		defaultInterval: cfg.DefaultInterval,
	}
}

// For returns the limiter bound to one lane. A non-positive interval uses the default.
func (l *Limiter) For(lane string, interval time.Duration) crawler.Limiter {
	if interval <= 0 {
		interval = l.defaultInterval
	}
	l.mu.Lock()
	limiter, exists := l.limiters[lane]
	if !exists {
		limit := rate.Inf
		if interval > 0 {
			limit = rate.Every(interval)
		}
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[lane] = limiter
	}
	l.mu.Unlock()
	return &laneLimiter{lane: lane, limiter: limiter}
}

// Wait blocks until the lane may fetch its next key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, lane string) error {
	return l.For(lane, 0).Wait(ctx)
}

type laneLimiter struct {
	lane    string
	limiter *rate.Limiter
}

func (l *laneLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Only record when a token was not immediately available.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessWait(l.lane, waited)
	}
	return nil
}
