// Package clock provides crawler.Clock implementations.
package clock

import (
	"sync"
	"time"
)

// System implements crawler.Clock using time.Now.
type System struct{}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Stepped is a deterministic clock that advances by Step on every read.
type Stepped struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewStepped starts a stepped clock at start.
func NewStepped(start time.Time, step time.Duration) *Stepped {
	return &Stepped{now: start.UTC(), Step: step}
}

// Now returns the current reading and advances the clock.
func (c *Stepped) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}
