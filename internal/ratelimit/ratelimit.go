// Package ratelimit provides token-bucket bookkeeping backed by
// golang.org/x/time/rate, used where a caller needs a cheap approximate
// count of events over a trailing window without maintaining and pruning a
// timestamp slice by hand.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a WindowCounter.
type Config struct {
	// Window is the trailing period the counter approximates (e.g. one
	// minute for requests-per-minute reporting).
	Window time.Duration
	// Capacity bounds the approximate count Window can report. Pick it
	// comfortably above the expected peak so admitted events are never
	// undercounted.
	Capacity int
}

// DefaultConfig returns a one-minute window capped at 600 events, suitable
// for a single forwarding endpoint's request-rate reporting.
func DefaultConfig() Config {
	return Config{Window: time.Minute, Capacity: 600}
}

// WindowCounter approximates how many events landed within a trailing
// window using a token bucket: Mark consumes one token, the bucket refills
// continuously at Capacity/Window, and Count derives the approximate event
// count from however many tokens are currently missing. This replaces a
// hand-rolled []time.Time slice that would otherwise be appended to and
// pruned on every call.
type WindowCounter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity float64
}

// NewWindowCounter constructs a WindowCounter from cfg, applying
// DefaultConfig's floors to zero-valued fields.
func NewWindowCounter(cfg Config) *WindowCounter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 600
	}
	capacity := float64(cfg.Capacity)
	return &WindowCounter{
		limiter:  rate.NewLimiter(rate.Limit(capacity/cfg.Window.Seconds()), cfg.Capacity),
		capacity: capacity,
	}
}

// Mark records one event at now.
func (c *WindowCounter) Mark(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter.AllowN(now, 1)
}

// Count returns the approximate number of events within the trailing
// window as of now.
func (c *WindowCounter) Count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limiter.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}
	count := c.capacity - remaining
	if count < 0 {
		count = 0
	}
	if count > c.capacity {
		count = c.capacity
	}
	return int(count + 0.5)
}
