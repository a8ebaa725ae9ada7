package retry

import (
	"math/rand"
	"time"
)

// ExpConfig is used to configure exponential backoff
type ExpConfig struct {
	Min     time.Duration
	Max     time.Duration
	Scale   float64
	Instant bool // If false, Delays() method will return 0 when first time called and backoff value otherwise.

	// Jitter enables full jitter: each delay is drawn uniformly from [0, backoff]
	Jitter bool

	// MaxAttempts is the maximum number of attempts taken; 0 = unlimited
	MaxAttempts int
}

// Delays implements interface Config
func (ec ExpConfig) Delays() DelayFn {
	b, zero := NewExpBackoff(ec), !ec.Instant
	attempts := 0
	return func() (time.Duration, bool) {
		attempts++
		if ec.MaxAttempts != 0 && attempts > ec.MaxAttempts {
			return 0, false
		}
		if zero {
			zero = false
			return 0, true
		}
		return b.Backoff(), true
	}
}

// Exponential contains the current state of the backoff logic
type Exponential struct {
	config  ExpConfig
	current time.Duration
	rand    func(n int64) int64
}

// BrokerBackoffConfig is the backoff used for broker reconnects: base 100ms,
// doubling, capped at 30s, full jitter
var BrokerBackoffConfig = ExpConfig{
	Min:    100 * time.Millisecond,
	Max:    30 * time.Second,
	Scale:  2.0,
	Jitter: true,
}

// NewExpBackoff creates new expBackoff
func NewExpBackoff(config ExpConfig) *Exponential {
	return &Exponential{
		config:  config,
		current: config.Min,
		rand:    rand.Int63n,
	}
}

// Backoff returns the duration to wait and updates the inner state
func (b *Exponential) Backoff() time.Duration {
	beforeScale := b.current
	b.current = time.Duration(float64(b.current) * b.config.Scale)
	if b.current > b.config.Max {
		b.current = b.config.Max
	}
	if b.config.Jitter && beforeScale > 0 {
		return time.Duration(b.rand(int64(beforeScale) + 1))
	}
	return beforeScale
}

// Reset resets the backoff state
func (b *Exponential) Reset() {
	b.current = b.config.Min
}
