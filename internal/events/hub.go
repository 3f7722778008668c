package events

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/metrics"
)

// SummaryFunc supplies the current aggregate summary for snapshots.
type SummaryFunc func() interface{}

// Hub fans decisions out to all connected subscribers.
type Hub struct {
	history    *ring
	clientBuf  int
	summarizer SummaryFunc

	clients      sync.Map // uint64 → *client
	clientCount  atomic.Int64
	droppedTotal atomic.Int64
	published    atomic.Int64
}

// NewHub creates a hub. historySize bounds the snapshot backlog (default
// 100); clientBuf is each subscriber's pending-frame budget (default 64).
func NewHub(historySize, clientBuf int, summarizer SummaryFunc) *Hub {
	if clientBuf <= 0 {
		clientBuf = 64
	}
	if summarizer == nil {
		summarizer = func() interface{} { return nil }
	}
	return &Hub{
		history:    newRing(historySize),
		clientBuf:  clientBuf,
		summarizer: summarizer,
	}
}

// Publish records a decision and broadcasts it as a traffic frame.
func (h *Hub) Publish(d Decision) {
	h.history.push(d)
	h.published.Add(1)

	frame, err := encodeFrame(TypeTraffic, d)
	if err != nil {
		logging.Error("Failed to encode traffic event", zap.Error(err))
		return
	}
	h.broadcast(frame)
}

// PublishSummary broadcasts an aggregate summary frame.
func (h *Hub) PublishSummary(payload interface{}) {
	frame, err := encodeFrame(TypeSummary, payload)
	if err != nil {
		logging.Error("Failed to encode summary event", zap.Error(err))
		return
	}
	h.broadcast(frame)
}

func (h *Hub) broadcast(frame []byte) {
	h.clients.Range(func(_, value interface{}) bool {
		c := value.(*client)
		if n := c.send(frame); n > 0 {
			h.droppedTotal.Add(int64(n))
			metrics.EventsDropped.Add(float64(n))
		}
		return true
	})
}

// ServeHTTP streams frames to one subscriber over server-sent events.
// The snapshot frame goes first, then live frames until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Snapshot first, then register for live frames. A decision published in
	// between is absent from both, which beats delivering it twice.
	snapshot, err := encodeFrame(TypeSnapshot, Snapshot{
		Summary: h.summarizer(),
		Recent:  h.history.recent(),
	})
	if err != nil {
		logging.Error("Failed to encode snapshot", zap.Error(err))
		return
	}
	if err := writeFrame(w, snapshot); err != nil {
		return
	}
	flusher.Flush()

	c := newSubscriber(h.clientBuf)
	h.clients.Store(c.id, c)
	h.clientCount.Add(1)
	metrics.EventSubscribers.Inc()

	defer func() {
		c.close()
		h.clients.Delete(c.id)
		h.clientCount.Add(-1)
		metrics.EventSubscribers.Dec()
	}()

	ctx := r.Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.frames:
			if frame == nil {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame writes one JSON frame as an SSE data line.
func writeFrame(w http.ResponseWriter, frame []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", frame)
	return err
}

// Recent returns the buffered decisions, newest last.
func (h *Hub) Recent() []Decision {
	return h.history.recent()
}

// Stats returns hub statistics for the admin surface.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"subscribers":    h.clientCount.Load(),
		"buffered":       h.history.len(),
		"published":      h.published.Load(),
		"dropped_frames": h.droppedTotal.Load(),
	}
}
