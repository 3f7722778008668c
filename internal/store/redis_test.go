package store

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/flowgate/flowgate/internal/rules"
)

func newMockedStore(t *testing.T) (*RedisStore, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unmet store expectations: %v", err)
		}
	})
	return New(client, time.Second), mock
}

func sampleRule() *rules.Rule {
	return &rules.Rule{
		ID:                "rule-1",
		PathPattern:       "/api/**",
		AllowedRequests:   100,
		WindowSeconds:     60,
		Priority:          5,
		Active:            true,
		QueueEnabled:      true,
		MaxQueueSize:      50,
		DelayPerRequestMs: 200,
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	s := New(nil, 0)
	if s.timeout != time.Second {
		t.Errorf("Default timeout = %v, want 1s", s.timeout)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	s, mock := newMockedStore(t)
	rule := sampleRule()
	data, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("Encoding rule: %v", err)
	}

	mock.ExpectSet("rate_limit_rules:rule-1", data, 0).SetVal("OK")
	mock.ExpectGet("rate_limit_rules:rule-1").SetVal(string(data))

	if err := s.PutRule(context.Background(), rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	got, err := s.GetRule(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if !reflect.DeepEqual(got, rule) {
		t.Errorf("Round trip mismatch:\n got %+v\nwant %+v", got, rule)
	}
}

func TestGetRuleAbsentReturnsNil(t *testing.T) {
	s, mock := newMockedStore(t)
	mock.ExpectGet("rate_limit_rules:missing").RedisNil()

	got, err := s.GetRule(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got != nil {
		t.Errorf("GetRule = %+v, want nil for absent rule", got)
	}
}

func TestDeleteRule(t *testing.T) {
	s, mock := newMockedStore(t)
	mock.ExpectDel("rate_limit_rules:rule-1").SetVal(1)

	if err := s.DeleteRule(context.Background(), "rule-1"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
}

func TestListRulesSkipsUndecodable(t *testing.T) {
	s, mock := newMockedStore(t)
	rule := sampleRule()
	data, _ := json.Marshal(rule)

	mock.ExpectScan(0, "rate_limit_rules:*", 100).SetVal(
		[]string{"rate_limit_rules:rule-1", "rate_limit_rules:broken", "rate_limit_rules:gone"}, 0)
	mock.ExpectGet("rate_limit_rules:rule-1").SetVal(string(data))
	mock.ExpectGet("rate_limit_rules:broken").SetVal("{not json")
	mock.ExpectGet("rate_limit_rules:gone").RedisNil()

	got, err := s.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rule-1" {
		t.Errorf("ListRules = %+v, want only the decodable rule", got)
	}
}

func TestListActiveRulesFiltersInactive(t *testing.T) {
	s, mock := newMockedStore(t)
	active := sampleRule()
	inactive := sampleRule()
	inactive.ID = "rule-2"
	inactive.Active = false
	activeData, _ := json.Marshal(active)
	inactiveData, _ := json.Marshal(inactive)

	mock.ExpectScan(0, "rate_limit_rules:*", 100).SetVal(
		[]string{"rate_limit_rules:rule-1", "rate_limit_rules:rule-2"}, 0)
	mock.ExpectGet("rate_limit_rules:rule-1").SetVal(string(activeData))
	mock.ExpectGet("rate_limit_rules:rule-2").SetVal(string(inactiveData))

	got, err := s.ListActiveRules(context.Background())
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	if len(got) != 1 || got[0].ID != "rule-1" {
		t.Errorf("ListActiveRules = %+v, want only the active rule", got)
	}
}

func TestSystemConfigRoundTrip(t *testing.T) {
	s, mock := newMockedStore(t)

	mock.ExpectHSet("system_config", "maintenance_mode", "on").SetVal(1)
	mock.ExpectHGet("system_config", "maintenance_mode").SetVal("on")
	mock.ExpectHGetAll("system_config").SetVal(map[string]string{"maintenance_mode": "on"})

	if err := s.SetConfig(context.Background(), "maintenance_mode", "on"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	v, err := s.GetConfig(context.Background(), "maintenance_mode")
	if err != nil || v != "on" {
		t.Fatalf("GetConfig = %q, %v", v, err)
	}
	all, err := s.GetAllConfig(context.Background())
	if err != nil || all["maintenance_mode"] != "on" {
		t.Fatalf("GetAllConfig = %v, %v", all, err)
	}
}

func TestGetConfigAbsentReturnsEmpty(t *testing.T) {
	s, mock := newMockedStore(t)
	mock.ExpectHGet("system_config", "missing").RedisNil()

	v, err := s.GetConfig(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if v != "" {
		t.Errorf("GetConfig = %q, want empty for absent key", v)
	}
}

func TestSetConfigRejectsBlankKey(t *testing.T) {
	s, _ := newMockedStore(t)
	if err := s.SetConfig(context.Background(), "  ", "v"); err == nil {
		t.Error("SetConfig accepted a blank key")
	}
}
