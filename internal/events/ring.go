package events

import "sync"

// ring is a thread-safe circular buffer of recent decisions for snapshots.
type ring struct {
	mu    sync.RWMutex
	items []Decision
	head  int  // next write position
	full  bool // true when buffer has wrapped around
	size  int  // capacity
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 100
	}
	return &ring{
		items: make([]Decision, size),
		size:  size,
	}
}

// push adds a decision, overwriting the oldest if full.
func (rb *ring) push(d Decision) {
	rb.mu.Lock()
	rb.items[rb.head] = d
	rb.head = (rb.head + 1) % rb.size
	if rb.head == 0 || rb.full {
		rb.full = true
	}
	rb.mu.Unlock()
}

// recent returns buffered decisions in chronological order.
func (rb *ring) recent() []Decision {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]Decision, rb.head)
		copy(result, rb.items[:rb.head])
		return result
	}
	result := make([]Decision, rb.size)
	copy(result, rb.items[rb.head:])
	copy(result[rb.size-rb.head:], rb.items[:rb.head])
	return result
}

// len returns the number of buffered decisions.
func (rb *ring) len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.size
	}
	return rb.head
}
