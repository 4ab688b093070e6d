// Package metrics records per-message processing samples over a bounded
// time window. The collector is in-memory only and not a system of record:
// the transport and dead-letter store are authoritative for what happened
// to a message.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Sample is one message-processing observation.
type Sample struct {
	MessageID   string        `json:"message_id"`
	MessageType string        `json:"message_type"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	RetryCount  int           `json:"retry_count"`
	At          time.Time     `json:"at"`
}

// TypeStats aggregates samples for one message type.
type TypeStats struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
	P95Duration time.Duration `json:"p95_duration"`
}

// Collector keeps samples for a sliding retention window, evicting older
// ones as new samples arrive.
type Collector struct {
	mu        sync.Mutex
	samples   []Sample
	retention time.Duration
	now       func() time.Time
}

// NewCollector creates a Collector retaining samples for the given window.
// A non-positive retention defaults to one hour.
func NewCollector(retention time.Duration) *Collector {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Collector{retention: retention, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (c *Collector) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Record stores a sample and evicts everything older than the retention
// window.
func (c *Collector) Record(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.At.IsZero() {
		s.At = c.now()
	}
	c.samples = append(c.samples, s)

	cutoff := c.now().Add(-c.retention)
	evict := 0
	for evict < len(c.samples) && c.samples[evict].At.Before(cutoff) {
		evict++
	}
	if evict > 0 {
		c.samples = append(c.samples[:0:0], c.samples[evict:]...)
	}
}

// Recent returns samples observed within the last d, oldest first.
func (c *Collector) Recent(d time.Duration) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-d)
	out := make([]Sample, 0)
	for _, s := range c.samples {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Aggregate groups the samples inside [start, end] by message type.
func (c *Collector) Aggregate(start, end time.Time) map[string]TypeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	durations := make(map[string][]time.Duration)
	stats := make(map[string]TypeStats)
	for _, s := range c.samples {
		if s.At.Before(start) || s.At.After(end) {
			continue
		}
		ts := stats[s.MessageType]
		ts.Count++
		if s.Success {
			ts.Successes++
		} else {
			ts.Failures++
		}
		stats[s.MessageType] = ts
		durations[s.MessageType] = append(durations[s.MessageType], s.Duration)
	}

	for msgType, ds := range durations {
		ts := stats[msgType]
		ts.AvgDuration = average(ds)
		ts.P95Duration = percentile(ds, 0.95)
		stats[msgType] = ts
	}
	return stats
}

// ErrorRate reports the fraction of failed samples over the last window.
// Returns 0 when there are no samples.
func (c *Collector) ErrorRate(window time.Duration) float64 {
	samples := c.Recent(window)
	if len(samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range samples {
		if !s.Success {
			failures++
		}
	}
	return float64(failures) / float64(len(samples))
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

func percentile(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
