// Package pipeline orchestrates the per-request decision: rule match, body
// buffering, identifier resolution, window counting, queueing, and event
// publication. It sits in front of the proxy as ordinary middleware.
package pipeline

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/analytics"
	"github.com/flowgate/flowgate/internal/bodybuf"
	"github.com/flowgate/flowgate/internal/counter"
	"github.com/flowgate/flowgate/internal/events"
	"github.com/flowgate/flowgate/internal/identifier"
	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/middleware"
	"github.com/flowgate/flowgate/internal/queue"
	"github.com/flowgate/flowgate/internal/rules"
)

// Reason explains a decision.
type Reason string

const (
	ReasonNoRule      Reason = "no_rule"
	ReasonWithinQuota Reason = "within_quota"
	ReasonExceeded    Reason = "exceeded"
	ReasonQueued      Reason = "queued"
	ReasonQueueFull   Reason = "queue_full"
	ReasonStoreError  Reason = "store_error"
)

// Decision is the outcome of the rate-limit check for one request.
// Invariants: !Allowed implies Delay == 0; Queued implies Allowed and Delay > 0.
type Decision struct {
	Allowed bool
	Queued  bool
	Delay   time.Duration
	RuleID  string
	Reason  Reason
}

// Admitter checks a request against its window quota. Satisfied by the
// counter engine.
type Admitter interface {
	Admit(ctx context.Context, rule *rules.Rule, identifier string) counter.Outcome
}

// Pipeline wires the decision components together.
type Pipeline struct {
	Cache    *rules.Cache
	Resolver *identifier.Resolver
	Counter  Admitter
	Queue    *queue.Manager
	Hub      *events.Hub
	Stats    *analytics.Aggregator

	// MaxBodyBytes caps the body buffer; zero means the bodybuf default.
	MaxBodyBytes int64
}

// Check runs the decision chain for a request. The returned request must be
// used downstream: body buffering may attach a cached body to its context.
func (p *Pipeline) Check(r *http.Request) (Decision, *http.Request) {
	rule := p.Cache.Match(r.URL.Path)
	if rule == nil {
		d := Decision{Allowed: true, Reason: ReasonNoRule}
		p.publish(r, d, p.Resolver.ClientIP(r))
		return d, r
	}

	if rule.NeedsBody() {
		r = bodybuf.Attach(r, rule.BodyContentType, p.MaxBodyBytes)
	}

	id := p.Resolver.Resolve(r, rule)
	d := p.decide(r, rule, id)
	p.publish(r, d, id)
	return d, r
}

func (p *Pipeline) decide(r *http.Request, rule *rules.Rule, id string) Decision {
	switch p.Counter.Admit(r.Context(), rule, id) {
	case counter.WithinQuota:
		return Decision{Allowed: true, RuleID: rule.ID, Reason: ReasonWithinQuota}
	case counter.FailOpen:
		return Decision{Allowed: true, RuleID: rule.ID, Reason: ReasonStoreError}
	}

	if !rule.QueueEnabled {
		return Decision{RuleID: rule.ID, Reason: ReasonExceeded}
	}

	delay, ok := p.Queue.Offer(rule, id)
	if !ok {
		return Decision{RuleID: rule.ID, Reason: ReasonQueueFull}
	}
	return Decision{Allowed: true, Queued: true, Delay: delay, RuleID: rule.ID, Reason: ReasonQueued}
}

// publish emits the decision event and updates aggregates. Publishing is
// best-effort and never blocks the request.
func (p *Pipeline) publish(r *http.Request, d Decision, id string) {
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
	}

	if p.Stats != nil {
		if d.Allowed {
			p.Stats.RecordAllowed()
		} else {
			p.Stats.RecordBlocked()
		}
	}
	metrics.Decisions.WithLabelValues(outcomeLabel(d)).Inc()

	if p.Hub != nil {
		p.Hub.Publish(events.Decision{
			TimestampMs: time.Now().UnixMilli(),
			Path:        r.URL.Path,
			Method:      r.Method,
			Host:        r.Host,
			Identifier:  id,
			RuleID:      d.RuleID,
			StatusCode:  status,
			Allowed:     d.Allowed,
			Queued:      d.Queued || d.Reason == ReasonQueueFull,
		})
	}
}

func outcomeLabel(d Decision) string {
	switch {
	case d.Queued:
		return "queued"
	case d.Allowed:
		return "allow"
	default:
		return "reject"
	}
}

// Middleware returns the request-path middleware: it applies the decision,
// sets the queue headers, waits out any assigned delay, and forwards.
func (p *Pipeline) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, r := p.Check(r)

			if !d.Allowed {
				if d.Reason == ReasonQueueFull {
					w.Header().Set("X-RateLimit-Queued", "true")
				}
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			if d.Queued {
				w.Header().Set("X-RateLimit-Queued", "true")
				w.Header().Set("X-RateLimit-Delay-Ms", strconv.FormatInt(d.Delay.Milliseconds(), 10))

				logging.Debug("Delaying request",
					zap.String("path", r.URL.Path),
					zap.Duration("delay", d.Delay))

				timer := time.NewTimer(d.Delay)
				select {
				case <-timer.C:
				case <-r.Context().Done():
					// Client gave up while queued. The queue slot drains on
					// its own timer and the window count stands.
					timer.Stop()
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
