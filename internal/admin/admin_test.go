package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flowgate/flowgate/internal/analytics"
	"github.com/flowgate/flowgate/internal/events"
	"github.com/flowgate/flowgate/internal/rules"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu     sync.Mutex
	rules  map[string]*rules.Rule
	config map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		rules:  make(map[string]*rules.Rule),
		config: make(map[string]string),
	}
}

func (m *memStore) GetRule(_ context.Context, id string) (*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (m *memStore) PutRule(_ context.Context, r *rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.rules[r.ID] = &clone
	return nil
}

func (m *memStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *memStore) ListRules(_ context.Context) ([]*rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListActiveRules(ctx context.Context) ([]*rules.Rule, error) {
	all, err := m.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

func (m *memStore) GetAllConfig(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

// countingRefresher records how many times the rule cache was reloaded.
type countingRefresher struct {
	mu    sync.Mutex
	count int
}

func (c *countingRefresher) Refresh(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return nil
}

func (c *countingRefresher) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func newTestAPI(t *testing.T) (http.Handler, *memStore, *countingRefresher) {
	t.Helper()
	st := newMemStore()
	refresher := &countingRefresher{}
	stats := analytics.New(time.Hour, nil)
	t.Cleanup(stats.Close)
	hub := events.NewHub(10, 4, func() interface{} { return stats.GetSummary() })
	return New(st, refresher, hub, stats).Handler(), st, refresher
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encoding body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func sampleRule(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"pathPattern":     "/api/**",
		"allowedRequests": 10,
		"windowSeconds":   60,
		"active":          true,
	}
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestAPI(t)
	w := do(t, h, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Code = %d", w.Code)
	}
}

func TestCreateRule(t *testing.T) {
	h, st, refresher := newTestAPI(t)

	w := do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	stored, _ := st.GetRule(context.Background(), "r1")
	if stored == nil || stored.PathPattern != "/api/**" {
		t.Errorf("Stored rule = %+v", stored)
	}
	if refresher.calls() != 1 {
		t.Errorf("Refresh calls = %d, want 1", refresher.calls())
	}
}

func TestCreateRuleAssignsID(t *testing.T) {
	h, _, _ := newTestAPI(t)

	body := sampleRule("")
	delete(body, "id")
	w := do(t, h, "POST", "/api/admin/rules", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	var created rules.Rule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Decoding response: %v", err)
	}
	if created.ID == "" {
		t.Error("Expected a generated rule ID")
	}
}

func TestCreateInvalidRule(t *testing.T) {
	h, _, refresher := newTestAPI(t)

	body := sampleRule("bad")
	body["allowedRequests"] = 0
	w := do(t, h, "POST", "/api/admin/rules", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", w.Code)
	}
	if refresher.calls() != 0 {
		t.Error("Invalid rule must not trigger a refresh")
	}
}

func TestListRules(t *testing.T) {
	h, _, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("a"))
	do(t, h, "POST", "/api/admin/rules", sampleRule("b"))

	w := do(t, h, "GET", "/api/admin/rules", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d", w.Code)
	}
	var list []rules.Rule
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Decoding list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len(list) = %d, want 2", len(list))
	}
}

func TestListActiveRules(t *testing.T) {
	h, _, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("on"))
	inactive := sampleRule("off")
	inactive["active"] = false
	do(t, h, "POST", "/api/admin/rules", inactive)

	w := do(t, h, "GET", "/api/admin/rules/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d", w.Code)
	}
	var list []rules.Rule
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Decoding list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "on" {
		t.Errorf("Active list = %+v", list)
	}
}

func TestGetRule(t *testing.T) {
	h, _, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	w := do(t, h, "GET", "/api/admin/rules/r1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d", w.Code)
	}

	if w := do(t, h, "GET", "/api/admin/rules/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("Missing rule code = %d, want 404", w.Code)
	}
}

func TestUpdateRule(t *testing.T) {
	h, st, refresher := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	update := sampleRule("r1")
	update["allowedRequests"] = 99
	w := do(t, h, "PUT", "/api/admin/rules/r1", update)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	stored, _ := st.GetRule(context.Background(), "r1")
	if stored.AllowedRequests != 99 {
		t.Errorf("AllowedRequests = %d, want 99", stored.AllowedRequests)
	}
	if refresher.calls() != 2 {
		t.Errorf("Refresh calls = %d, want 2", refresher.calls())
	}

	if w := do(t, h, "PUT", "/api/admin/rules/ghost", update); w.Code != http.StatusNotFound {
		t.Errorf("Updating missing rule = %d, want 404", w.Code)
	}
}

func TestDeleteRule(t *testing.T) {
	h, st, refresher := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	w := do(t, h, "DELETE", "/api/admin/rules/r1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Code = %d", w.Code)
	}
	if stored, _ := st.GetRule(context.Background(), "r1"); stored != nil {
		t.Error("Rule should be gone")
	}
	if refresher.calls() != 2 {
		t.Errorf("Refresh calls = %d, want 2", refresher.calls())
	}
}

func TestPatchQueueSettings(t *testing.T) {
	h, st, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	patch := map[string]interface{}{
		"queueEnabled":      true,
		"maxQueueSize":      7,
		"delayPerRequestMs": 250,
	}
	w := do(t, h, "PATCH", "/api/admin/rules/r1/queue", patch)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	stored, _ := st.GetRule(context.Background(), "r1")
	if !stored.QueueEnabled || stored.MaxQueueSize != 7 || stored.DelayPerRequestMs != 250 {
		t.Errorf("Stored rule = %+v", stored)
	}

	// Other fields survive the partial update.
	if stored.AllowedRequests != 10 {
		t.Errorf("AllowedRequests = %d, want untouched 10", stored.AllowedRequests)
	}
}

func TestPatchQueueRejectsInvalidCombination(t *testing.T) {
	h, _, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	patch := map[string]interface{}{"queueEnabled": true, "maxQueueSize": 0}
	if w := do(t, h, "PATCH", "/api/admin/rules/r1/queue", patch); w.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", w.Code)
	}
}

func TestPatchBodyLimit(t *testing.T) {
	h, st, _ := newTestAPI(t)
	do(t, h, "POST", "/api/admin/rules", sampleRule("r1"))

	patch := map[string]interface{}{
		"bodyLimitEnabled": true,
		"bodyFieldPath":    "user.id",
		"bodyLimitType":    "combine_with_ip",
	}
	w := do(t, h, "PATCH", "/api/admin/rules/r1/body-limit", patch)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	stored, _ := st.GetRule(context.Background(), "r1")
	if !stored.BodyLimitEnabled || stored.BodyFieldPath != "user.id" ||
		stored.BodyLimitType != rules.LimitCombineWithIP {
		t.Errorf("Stored rule = %+v", stored)
	}
}

func TestManualRefresh(t *testing.T) {
	h, _, refresher := newTestAPI(t)

	w := do(t, h, "POST", "/api/admin/rules/refresh", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Code = %d", w.Code)
	}
	if refresher.calls() != 1 {
		t.Errorf("Refresh calls = %d, want 1", refresher.calls())
	}
}

func TestSystemConfig(t *testing.T) {
	h, _, _ := newTestAPI(t)

	w := do(t, h, "POST", "/api/admin/config/maintenance_mode", map[string]string{"value": "on"})
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, h, "GET", "/api/admin/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Code = %d", w.Code)
	}
	var cfg map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Decoding config: %v", err)
	}
	if cfg["maintenance_mode"] != "on" {
		t.Errorf("Config = %v", cfg)
	}
}

func TestSystemConfigRequiresValue(t *testing.T) {
	h, _, _ := newTestAPI(t)
	w := do(t, h, "POST", "/api/admin/config/some_key", map[string]string{"wrong": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", w.Code)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	h, _, _ := newTestAPI(t)

	if w := do(t, h, "GET", "/api/admin/analytics/summary", nil); w.Code != http.StatusOK {
		t.Errorf("summary code = %d", w.Code)
	}
	if w := do(t, h, "GET", "/api/admin/analytics/timeseries?hours=2", nil); w.Code != http.StatusOK {
		t.Errorf("timeseries code = %d", w.Code)
	}
	if w := do(t, h, "GET", "/api/admin/analytics/recent?limit=5", nil); w.Code != http.StatusOK {
		t.Errorf("recent code = %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestAPI(t)

	if w := do(t, h, "PATCH", "/api/admin/rules", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Code = %d, want 405", w.Code)
	}
	if w := do(t, h, "DELETE", "/api/admin/config", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Code = %d, want 405", w.Code)
	}
}
