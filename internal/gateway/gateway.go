// Package gateway assembles the proxy and admin servers from configuration
// and owns their lifecycle.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowgate/flowgate/internal/admin"
	"github.com/flowgate/flowgate/internal/analytics"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/counter"
	"github.com/flowgate/flowgate/internal/errors"
	"github.com/flowgate/flowgate/internal/events"
	"github.com/flowgate/flowgate/internal/identifier"
	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/middleware"
	"github.com/flowgate/flowgate/internal/pipeline"
	"github.com/flowgate/flowgate/internal/queue"
	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
)

// Gateway is the assembled runtime: rate-limit pipeline in front of a
// reverse proxy, plus the admin API on its own listener.
type Gateway struct {
	cfg *config.Config

	store *store.RedisStore
	cache *rules.Cache
	queue *queue.Manager
	hub   *events.Hub
	stats *analytics.Aggregator

	proxySrv *http.Server
	adminSrv *http.Server
}

// New builds a gateway from configuration. The rule cache is loaded before
// returning so the proxy never serves with an empty rule set at startup.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", cfg.Upstream, err)
	}

	client := store.NewClient(cfg.Redis)
	st := store.New(client, cfg.RateLimit.StoreTimeout)
	if err := st.Ping(ctx); err != nil {
		logging.Warn("Store unreachable at startup, continuing", zap.Error(err))
	}

	cache := rules.NewCache(st)
	if err := cache.Load(ctx); err != nil {
		logging.Warn("Initial rule load failed, starting with empty rule set", zap.Error(err))
	} else {
		logging.Info("Loaded rate limit rules", zap.Int("count", len(cache.Rules())))
	}

	g := &Gateway{
		cfg:   cfg,
		store: st,
		cache: cache,
		queue: queue.NewManager(cfg.RateLimit.QueueSweepInterval),
	}

	g.hub = events.NewHub(cfg.Events.HistorySize, cfg.Events.ClientBufferSize, func() interface{} {
		return g.stats.GetSummary()
	})
	g.stats = analytics.New(analytics.DefaultFlushInterval, func(s analytics.Summary) {
		g.hub.PublishSummary(s)
	})

	pipe := &pipeline.Pipeline{
		Cache:        cache,
		Resolver:     &identifier.Resolver{TrustXForwardedFor: cfg.RateLimit.TrustXForwardedFor},
		Counter:      counter.New(client, cfg.RateLimit.StoreTimeout),
		Queue:        g.queue,
		Hub:          g.hub,
		Stats:        g.stats,
		MaxBodyBytes: cfg.RateLimit.MaxBodyBytes,
	}

	chain := middleware.NewChain(pipe.Middleware())
	g.proxySrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           chain.Then(newProxy(upstream)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminAPI := admin.New(st, cache, g.hub, g.stats)
	g.adminSrv = &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           adminAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// newProxy builds the upstream reverse proxy with gateway error handling.
func newProxy(upstream *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.Error("Upstream request failed",
			zap.String("path", r.URL.Path),
			zap.String("upstream", upstream.Host),
			zap.Error(err))
		errors.ErrBadGateway.WriteJSON(w)
	}
	return proxy
}

// Run serves both listeners until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logging.Info("Proxy listening",
			zap.String("addr", g.cfg.Listen),
			zap.String("upstream", g.cfg.Upstream))
		if err := g.proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		logging.Info("Admin API listening", zap.String("addr", g.cfg.Admin.Listen))
		if err := g.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		g.shutdown()
		return nil
	})

	return eg.Wait()
}

func (g *Gateway) shutdown() {
	logging.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := g.proxySrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Proxy shutdown", zap.Error(err))
	}
	if err := g.adminSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Admin shutdown", zap.Error(err))
	}

	g.stats.Close()
	g.queue.Close()
	if err := g.store.Client().Close(); err != nil {
		logging.Warn("Store close", zap.Error(err))
	}
}
