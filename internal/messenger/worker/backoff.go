package worker

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential growth from Base, capped
// at MaxDelay, with symmetric jitter of JitterFraction around the computed
// value.
type BackoffPolicy struct {
	Base           time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// Delay returns the requeue delay after a failure, given the number of
// failures recorded before this one. The first retry waits about Base, each
// subsequent retry doubles, so successive delays are non-decreasing up to
// MaxDelay within the jitter bound.
func (p BackoffPolicy) Delay(priorFailures int) time.Duration {
	if priorFailures < 0 {
		priorFailures = 0
	}
	delay := p.Base
	for i := 0; i < priorFailures; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
