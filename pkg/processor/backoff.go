package processor

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff spaces retries of a transient failure: Base * 2^retry, capped at
// Max, spread by ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

var DefaultBackoff = Backoff{
	Base:   30 * time.Second,
	Max:    30 * time.Minute,
	Jitter: 0.2,
}

// Delay returns the wait before retry number retry+1. It is safe for
// concurrent use.
func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}

	maxD := b.Max
	if maxD <= 0 {
		maxD = DefaultBackoff.Max
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: max(b.Jitter, 0),
		Multiplier:          2,
		MaxInterval:         maxD,
	}
	exp.Reset()

	for range retry {
		exp.NextBackOff()
	}

	return min(max(exp.NextBackOff(), 0), maxD)
}

// steady drops the jitter, for waits that are not retries.
func (b Backoff) steady() Backoff {
	b.Jitter = 0

	return b
}
