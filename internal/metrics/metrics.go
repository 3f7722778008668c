// Package metrics exposes Prometheus instrumentation for the decision engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts pipeline outcomes, labeled allow|queued|reject.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by outcome.",
	}, []string{"outcome"})

	// StoreFailOpen counts admissions granted because the shared store failed.
	StoreFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "ratelimit",
		Name:      "store_fail_open_total",
		Help:      "Requests admitted because the counter store was unavailable.",
	})

	// QueueKeys tracks the number of live per-identifier queue entries.
	QueueKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "ratelimit",
		Name:      "queue_keys",
		Help:      "Live leaky-bucket queue entries.",
	})

	// QueueRejectedFull counts rejections due to a full queue.
	QueueRejectedFull = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "ratelimit",
		Name:      "queue_rejected_full_total",
		Help:      "Requests rejected because the per-identifier queue was full.",
	})

	// EventSubscribers tracks connected decision-stream subscribers.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Connected decision event stream subscribers.",
	})

	// EventsDropped counts events dropped for slow subscribers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Decision events dropped due to slow subscribers.",
	})
)

// Handler returns the Prometheus scrape handler for the admin listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
