package events

import "sync/atomic"

// client is one connected subscriber.
type client struct {
	id      uint64
	frames  chan []byte
	dropped atomic.Int64
	closed  atomic.Bool
}

var clientIDCounter atomic.Uint64

func newSubscriber(bufferSize int) *client {
	return &client{
		id:     clientIDCounter.Add(1),
		frames: make(chan []byte, bufferSize),
	}
}

// send delivers a frame without ever blocking. When the buffer is full the
// oldest pending frame is discarded to make room, so a slow subscriber falls
// behind instead of stalling the publisher. Returns the number of frames
// dropped during this delivery.
func (c *client) send(frame []byte) int {
	droppedNow := 0
	for !c.closed.Load() {
		select {
		case c.frames <- frame:
			return droppedNow
		default:
		}
		// Buffer full: drop the oldest and retry.
		select {
		case <-c.frames:
			droppedNow++
			c.dropped.Add(1)
		default:
		}
	}
	return droppedNow
}

// close marks the subscriber gone. The channel is never closed so concurrent
// senders cannot panic; it is simply abandoned to the garbage collector.
func (c *client) close() {
	c.closed.Store(true)
}
