package optimizer

import (
	"math/rand"
	"time"
)

// BackoffConfig tunes Backoff's exponential sequence (spec.md §4.D: base
// 1s, factor 2, cap 30s, jitter ±30%).
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoffConfig matches spec.md's documented reconnect knobs.
var DefaultBackoffConfig = BackoffConfig{
	Base:   1 * time.Second,
	Max:    30 * time.Second,
	Factor: 2,
	Jitter: 0.30,
}

// Backoff computes exponential reconnect delays with jitter. Grounded on
// the fixed-reconnectDelay field in overseer/client.go, generalized from a
// constant to a stateful, parameterized exponential sequence — the
// reusable reconnect strategy object spec.md §4.E calls out, factored out
// of the WS adapter so any transport's reconnect loop can defer to it.
type Backoff struct {
	cfg BackoffConfig

	attempt int
}

// NewBackoff constructs a Backoff from cfg, filling any zero field from
// DefaultBackoffConfig.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoffConfig.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultBackoffConfig.Max
	}
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultBackoffConfig.Factor
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultBackoffConfig.Jitter
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next reconnect attempt and advances
// the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	d := float64(b.cfg.Base)
	for i := 0; i < b.attempt; i++ {
		d *= b.cfg.Factor
	}
	if d > float64(b.cfg.Max) {
		d = float64(b.cfg.Max)
	}
	b.attempt++

	spread := d * b.cfg.Jitter
	d += (rand.Float64()*2 - 1) * spread
	if d < float64(b.cfg.Base)/2 {
		d = float64(b.cfg.Base) / 2
	}
	return time.Duration(d)
}

// Reset zeroes the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
