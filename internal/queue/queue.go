// Package queue implements the in-process leaky bucket applied to requests
// that exceed their fixed-window quota. Each (rule, identifier) key carries a
// depth counter; an admitted request takes position depth+1 and is delayed by
// position × delayPerRequestMs, with a timer returning the slot afterwards.
// Queues are per gateway instance by design.
package queue

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/rules"
)

// DefaultSweepInterval is how often idle queue entries are garbage collected.
const DefaultSweepInterval = 60 * time.Second

// idleCyclesBeforeDelete is how many consecutive sweeps must observe an entry
// drained before it is removed. Requiring two keeps the sweeper from deleting
// an entry between a caller fetching it and incrementing its depth.
const idleCyclesBeforeDelete = 2

// entry is the queue state for one (rule, identifier) key: the live depth and
// the number of consecutive sweep cycles it has been observed drained.
type entry struct {
	depth atomic.Int32
	idle  atomic.Int32
}

// Manager tracks per-key queue depths and schedules the delayed releases.
type Manager struct {
	depths *shardedMap[*entry]

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopped       atomic.Bool

	// afterFunc is swappable for tests; production uses time.AfterFunc.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewManager creates a queue manager and starts its background sweeper.
func NewManager(sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		depths:        newShardedMap[*entry](),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		afterFunc:     time.AfterFunc,
	}
	go m.sweep()
	return m
}

// Key returns the queue key for a (rule, identifier) pair.
func Key(ruleID, identifier string) string {
	return ruleID + ":" + identifier
}

// Offer tries to queue a request that exceeded its quota. It returns the
// delay to apply before dispatch and ok=false when the queue is full.
//
// The depth check-and-increment is a CAS loop, so no interleaving can admit
// more than maxQueueSize concurrent holders. The assigned position is the
// depth after the increment; the slot is released by a timer at the delay.
func (m *Manager) Offer(rule *rules.Rule, identifier string) (delay time.Duration, ok bool) {
	key := Key(rule.ID, identifier)
	e := m.depths.getOrCreate(key, func() *entry { return new(entry) })
	e.idle.Store(0)

	var position int32
	for {
		current := e.depth.Load()
		if current >= int32(rule.MaxQueueSize) {
			metrics.QueueRejectedFull.Inc()
			logging.Debug("Queue full",
				zap.String("key", key),
				zap.Int32("depth", current),
				zap.Int("max", rule.MaxQueueSize))
			return 0, false
		}
		if e.depth.CompareAndSwap(current, current+1) {
			position = current + 1
			break
		}
	}

	delay = time.Duration(position) * time.Duration(rule.DelayPerRequestMs) * time.Millisecond
	logging.Debug("Request queued",
		zap.String("key", key),
		zap.Int32("position", position),
		zap.Duration("delay", delay))

	// Release the slot after the delay, whether or not the request is still
	// around by then: a disconnected client keeps its slot until the timer
	// fires, matching the no-compensation cancellation policy.
	m.afterFunc(delay, func() {
		e.depth.Add(-1)
	})

	return delay, true
}

// Depth reports the current depth for a (rule, identifier) key.
func (m *Manager) Depth(ruleID, identifier string) int {
	if e, ok := m.depths.get(Key(ruleID, identifier)); ok {
		return int(e.depth.Load())
	}
	return 0
}

// Len reports the number of tracked queue keys.
func (m *Manager) Len() int {
	return m.depths.len()
}

// sweep periodically removes entries that have stayed drained for
// idleCyclesBeforeDelete consecutive cycles. Any activity on an entry resets
// its idle count, so a key touched by Offer survives the next sweep even if
// its increment has not landed yet.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	m.depths.deleteFunc(func(_ string, e *entry) bool {
		if e.depth.Load() > 0 {
			e.idle.Store(0)
			return false
		}
		return e.idle.Add(1) >= idleCyclesBeforeDelete
	})
	remaining := m.depths.len()
	metrics.QueueKeys.Set(float64(remaining))
	logging.Debug("Queue cleanup", zap.Int("active", remaining))
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}
