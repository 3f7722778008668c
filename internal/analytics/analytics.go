// Package analytics aggregates admission decisions for the dashboard: cheap
// atomic counters on the hot path, flushed into minute buckets on a timer.
package analytics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFlushInterval is how often pending counters roll into the series.
const DefaultFlushInterval = 5 * time.Second

// maxBuckets bounds the retained time series (24h of minutes).
const maxBuckets = 24 * 60

// Bucket is one minute of aggregated traffic.
type Bucket struct {
	Minute  time.Time `json:"minute"`
	Allowed int64     `json:"allowed"`
	Blocked int64     `json:"blocked"`
}

// Summary is the all-time aggregate.
type Summary struct {
	Allowed int64 `json:"allowed"`
	Blocked int64 `json:"blocked"`
}

// Aggregator buffers decision counts and maintains the minute series.
type Aggregator struct {
	pendingAllowed atomic.Int64
	pendingBlocked atomic.Int64

	totalAllowed atomic.Int64
	totalBlocked atomic.Int64

	mu      sync.RWMutex
	buckets []Bucket // chronological, capped at maxBuckets

	flushInterval time.Duration
	stopCh        chan struct{}
	stopped       atomic.Bool
	onFlush       func(Summary)

	now func() time.Time // test hook
}

// New creates an aggregator and starts its flush loop. onFlush, when
// non-nil, receives the updated summary after each non-empty flush (used to
// publish summary frames on the event stream).
func New(flushInterval time.Duration, onFlush func(Summary)) *Aggregator {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	a := &Aggregator{
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		onFlush:       onFlush,
		now:           time.Now,
	}
	go a.loop()
	return a
}

// RecordAllowed counts one admitted request.
func (a *Aggregator) RecordAllowed() {
	a.pendingAllowed.Add(1)
}

// RecordBlocked counts one rejected request.
func (a *Aggregator) RecordBlocked() {
	a.pendingBlocked.Add(1)
}

// GetSummary returns the all-time totals, including unflushed counts.
func (a *Aggregator) GetSummary() Summary {
	return Summary{
		Allowed: a.totalAllowed.Load() + a.pendingAllowed.Load(),
		Blocked: a.totalBlocked.Load() + a.pendingBlocked.Load(),
	}
}

// TimeSeries returns the minute buckets covering the last given hours.
func (a *Aggregator) TimeSeries(hours int) []Bucket {
	if hours <= 0 {
		hours = 24
	}
	cutoff := a.now().Add(-time.Duration(hours) * time.Hour)

	a.mu.RLock()
	defer a.mu.RUnlock()

	start := 0
	for start < len(a.buckets) && a.buckets[start].Minute.Before(cutoff) {
		start++
	}
	out := make([]Bucket, len(a.buckets)-start)
	copy(out, a.buckets[start:])
	return out
}

func (a *Aggregator) loop() {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			a.flush()
			return
		}
	}
}

// flush rolls pending counters into the minute bucket for the current time.
func (a *Aggregator) flush() {
	allowed := a.pendingAllowed.Swap(0)
	blocked := a.pendingBlocked.Swap(0)
	if allowed == 0 && blocked == 0 {
		return
	}

	a.totalAllowed.Add(allowed)
	a.totalBlocked.Add(blocked)

	minute := a.now().Truncate(time.Minute)

	a.mu.Lock()
	n := len(a.buckets)
	if n > 0 && a.buckets[n-1].Minute.Equal(minute) {
		a.buckets[n-1].Allowed += allowed
		a.buckets[n-1].Blocked += blocked
	} else {
		a.buckets = append(a.buckets, Bucket{Minute: minute, Allowed: allowed, Blocked: blocked})
		if len(a.buckets) > maxBuckets {
			a.buckets = a.buckets[len(a.buckets)-maxBuckets:]
		}
	}
	a.mu.Unlock()

	if a.onFlush != nil {
		a.onFlush(a.GetSummary())
	}
}

// Close stops the flush loop after a final flush.
func (a *Aggregator) Close() {
	if a.stopped.CompareAndSwap(false, true) {
		close(a.stopCh)
	}
}
