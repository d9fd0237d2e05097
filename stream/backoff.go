package stream

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig describes the reconnect schedule.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added at random, in [0,1]
}

// DefaultBackoff is used for zero fields of a BackoffConfig.
var DefaultBackoff = BackoffConfig{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Jitter: 0.2,
}

// Backoff yields reconnect delays. The base delay doubles up to Max; jitter
// only ever adds time and never pushes a delay past Max, so successive
// delays never decrease.
type Backoff struct {
	cfg     BackoffConfig
	rand    func() float64
	attempt int
	prev    time.Duration
}

// NewBackoff creates a schedule from cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoff.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoff.Max
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.cfg.Base
	for i := 0; i < b.attempt && d < b.cfg.Max; i++ {
		d *= 2
	}
	d = min(d, b.cfg.Max)

	spread := min(time.Duration(b.cfg.Jitter*float64(d)), b.cfg.Max-d)
	delay := d + time.Duration(b.rand()*float64(spread))
	delay = max(delay, b.prev)

	b.attempt++
	b.prev = delay
	return delay
}

// Reset restarts the schedule at the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}
