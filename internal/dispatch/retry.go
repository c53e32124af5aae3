package dispatch

import (
	"math/rand"
	"time"

	"signalpipe/internal/config"
)

// Policy is an explicit retry policy value: a bounded attempt count and a
// delay function with exponential growth and jitter. Jitter spreads
// retries so concurrent file pipelines do not hammer the sink in step.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64
}

// PolicyFromConfig converts the retry configuration section.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
	}
}

// Delay returns the backoff before the attempt following the given failed
// attempt number (1-based): base * multiplier^(attempt-1), scaled by a
// random factor within [1-jitter, 1+jitter].
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
