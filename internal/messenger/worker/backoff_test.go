package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, MaxDelay: 5 * time.Minute}

	tests := []struct {
		name          string
		priorFailures int
		want          time.Duration
	}{
		{name: "first retry waits the base delay", priorFailures: 0, want: time.Second},
		{name: "second retry doubles", priorFailures: 1, want: 2 * time.Second},
		{name: "third retry doubles again", priorFailures: 2, want: 4 * time.Second},
		{name: "eighth retry still under the cap", priorFailures: 7, want: 128 * time.Second},
		{name: "capped at max delay", priorFailures: 20, want: 5 * time.Minute},
		{name: "negative treated as zero", priorFailures: -3, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Delay(tt.priorFailures))
		})
	}
}

func TestBackoffPolicy_DelayJitterBounds(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, MaxDelay: 5 * time.Minute, JitterFraction: 0.2}

	for i := 0; i < 200; i++ {
		delay := policy.Delay(2)
		// 4s +/- 20%
		assert.GreaterOrEqual(t, delay, 3200*time.Millisecond)
		assert.LessOrEqual(t, delay, 4800*time.Millisecond)
	}
}

func TestBackoffPolicy_DelayMonotonicWithoutJitter(t *testing.T) {
	policy := BackoffPolicy{Base: 500 * time.Millisecond, MaxDelay: time.Minute}

	prev := time.Duration(0)
	for failures := 0; failures < 12; failures++ {
		delay := policy.Delay(failures)
		assert.GreaterOrEqual(t, delay, prev, "delay must never shrink as failures accumulate")
		assert.LessOrEqual(t, delay, time.Minute)
		prev = delay
	}
}
