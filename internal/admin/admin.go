// Package admin serves the management API: rule CRUD with cache refresh,
// system config, analytics, and the decision event stream. It binds to a
// local-only listener and is never part of the proxy hot path.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/analytics"
	"github.com/flowgate/flowgate/internal/errors"
	"github.com/flowgate/flowgate/internal/events"
	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/rules"
)

// Store is the persistence surface the admin API manages.
type Store interface {
	GetRule(ctx context.Context, id string) (*rules.Rule, error)
	PutRule(ctx context.Context, r *rules.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*rules.Rule, error)
	ListActiveRules(ctx context.Context) ([]*rules.Rule, error)
	GetAllConfig(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Refresher reloads the in-memory rule cache after mutations.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// API is the admin HTTP surface.
type API struct {
	store Store
	cache Refresher
	hub   *events.Hub
	stats *analytics.Aggregator
}

// New creates the admin API.
func New(store Store, cache Refresher, hub *events.Hub, stats *analytics.Aggregator) *API {
	return &API{store: store, cache: cache, hub: hub, stats: stats}
}

// Handler builds the admin mux.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/admin/rules", a.handleRules)
	mux.HandleFunc("/api/admin/rules/", a.handleRuleByID)
	mux.HandleFunc("/api/admin/config", a.handleConfig)
	mux.HandleFunc("/api/admin/config/", a.handleConfigKey)
	mux.HandleFunc("/api/admin/analytics/summary", a.handleSummary)
	mux.HandleFunc("/api/admin/analytics/timeseries", a.handleTimeSeries)
	mux.HandleFunc("/api/admin/analytics/recent", a.handleRecent)

	if a.hub != nil {
		mux.Handle("/events", a.hub)
		mux.HandleFunc("/api/admin/events/stats", a.handleEventStats)
	}

	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRules serves GET (list) and POST (create) on /api/admin/rules.
func (a *API) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.store.ListRules(r.Context())
		if err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "list rules").WriteJSON(w)
			return
		}
		if list == nil {
			list = []*rules.Rule{}
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var rule rules.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if err := rule.Validate(); err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		if err := a.store.PutRule(r.Context(), &rule); err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "store rule").WriteJSON(w)
			return
		}
		logging.Info("Created rate limit rule",
			zap.String("id", rule.ID),
			zap.String("pattern", rule.PathPattern))
		a.refresh(r.Context())
		writeJSON(w, http.StatusCreated, &rule)

	default:
		errors.ErrMethodNotAllowed.WriteJSON(w)
	}
}

// handleRuleByID dispatches /api/admin/rules/{id}[/queue|/body-limit] plus
// the /active and /refresh collection endpoints.
func (a *API) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/rules/")

	switch rest {
	case "active":
		a.handleActiveRules(w, r)
		return
	case "refresh":
		a.handleRefresh(w, r)
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	switch action {
	case "":
		a.handleRule(w, r, id)
	case "queue":
		a.handleQueuePatch(w, r, id)
	case "body-limit":
		a.handleBodyLimitPatch(w, r, id)
	default:
		errors.ErrNotFound.WriteJSON(w)
	}
}

func (a *API) handleActiveRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	list, err := a.store.ListActiveRules(r.Context())
	if err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "list active rules").WriteJSON(w)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	logging.Info("Manually refreshing rate limit rules")
	if err := a.cache.Refresh(r.Context()); err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "refresh rules").WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRule(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		rule, err := a.store.GetRule(r.Context(), id)
		if err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "get rule").WriteJSON(w)
			return
		}
		if rule == nil {
			errors.ErrNotFound.WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case http.MethodPut:
		existing, err := a.store.GetRule(r.Context(), id)
		if err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "get rule").WriteJSON(w)
			return
		}
		if existing == nil {
			errors.ErrNotFound.WriteJSON(w)
			return
		}
		var rule rules.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		rule.ID = id
		if err := rule.Validate(); err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		if err := a.store.PutRule(r.Context(), &rule); err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "store rule").WriteJSON(w)
			return
		}
		logging.Info("Updated rate limit rule", zap.String("id", id))
		a.refresh(r.Context())
		writeJSON(w, http.StatusOK, &rule)

	case http.MethodDelete:
		if err := a.store.DeleteRule(r.Context(), id); err != nil {
			errors.Wrap(err, http.StatusInternalServerError, "delete rule").WriteJSON(w)
			return
		}
		logging.Info("Deleted rate limit rule", zap.String("id", id))
		a.refresh(r.Context())
		w.WriteHeader(http.StatusNoContent)

	default:
		errors.ErrMethodNotAllowed.WriteJSON(w)
	}
}

// queuePatch is the partial update body for PATCH /rules/{id}/queue.
type queuePatch struct {
	QueueEnabled      bool `json:"queueEnabled"`
	MaxQueueSize      int  `json:"maxQueueSize"`
	DelayPerRequestMs int  `json:"delayPerRequestMs"`
}

func (a *API) handleQueuePatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	var patch queuePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	a.patchRule(w, r, id, func(rule *rules.Rule) {
		rule.QueueEnabled = patch.QueueEnabled
		rule.MaxQueueSize = patch.MaxQueueSize
		rule.DelayPerRequestMs = patch.DelayPerRequestMs
	})
}

// bodyLimitPatch is the partial update body for PATCH /rules/{id}/body-limit.
type bodyLimitPatch struct {
	BodyLimitEnabled bool            `json:"bodyLimitEnabled"`
	BodyFieldPath    string          `json:"bodyFieldPath"`
	BodyLimitType    rules.LimitType `json:"bodyLimitType"`
}

func (a *API) handleBodyLimitPatch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	var patch bodyLimitPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	a.patchRule(w, r, id, func(rule *rules.Rule) {
		rule.BodyLimitEnabled = patch.BodyLimitEnabled
		rule.BodyFieldPath = patch.BodyFieldPath
		rule.BodyLimitType = patch.BodyLimitType
	})
}

// patchRule applies a partial mutation to a stored rule, re-validates, and
// persists the result.
func (a *API) patchRule(w http.ResponseWriter, r *http.Request, id string, apply func(*rules.Rule)) {
	rule, err := a.store.GetRule(r.Context(), id)
	if err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "get rule").WriteJSON(w)
		return
	}
	if rule == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	apply(rule)
	if err := rule.Validate(); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if err := a.store.PutRule(r.Context(), rule); err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "store rule").WriteJSON(w)
		return
	}
	logging.Info("Patched rate limit rule", zap.String("id", id))
	a.refresh(r.Context())
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	cfg, err := a.store.GetAllConfig(r.Context())
	if err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "get config").WriteJSON(w)
		return
	}
	if cfg == nil {
		cfg = map[string]string{}
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleConfigKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/admin/config/")
	if key == "" || strings.Contains(key, "/") {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	value, ok := payload["value"]
	if !ok {
		errors.ErrBadRequest.WithDetails(`missing "value"`).WriteJSON(w)
		return
	}
	if err := a.store.SetConfig(r.Context(), key, value); err != nil {
		errors.Wrap(err, http.StatusInternalServerError, "set config").WriteJSON(w)
		return
	}
	logging.Info("Updated system config", zap.String("key", key))
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.stats.GetSummary())
}

func (a *API) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	series := a.stats.TimeSeries(hours)
	if series == nil {
		series = []analytics.Bucket{}
	}
	writeJSON(w, http.StatusOK, series)
}

func (a *API) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	recent := a.hub.Recent()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(recent) {
		recent = recent[len(recent)-limit:]
	}
	writeJSON(w, http.StatusOK, recent)
}

func (a *API) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a.hub.Stats())
}

// refresh reloads the rule cache after a mutation; the store stays
// authoritative even if the reload fails.
func (a *API) refresh(ctx context.Context) {
	if err := a.cache.Refresh(ctx); err != nil {
		logging.Warn("Rule cache refresh after mutation failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
