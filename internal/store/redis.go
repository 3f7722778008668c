// Package store implements the shared key-value store client used for rule
// persistence and system configuration. Counters live in internal/counter on
// the same connection.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/rules"
)

const (
	rulePrefix      = "rate_limit_rules:"
	systemConfigKey = "system_config"
)

// RedisStore persists rules and system config in Redis.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewClient builds a Redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New creates a RedisStore. timeout bounds each store call; zero means 1s.
func New(client *redis.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisStore{client: client, timeout: timeout}
}

// Client exposes the underlying connection for components that run their own
// commands (the counter engine).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// GetRule fetches one rule by ID. Returns (nil, nil) when absent.
func (s *RedisStore) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, rulePrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}

	var r rules.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", id, err)
	}
	return &r, nil
}

// PutRule stores a rule under rate_limit_rules:<id>.
func (s *RedisStore) PutRule(ctx context.Context, r *rules.Rule) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, rulePrefix+r.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("put rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRule removes a rule.
func (s *RedisStore) DeleteRule(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, rulePrefix+id).Err(); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// ListRules returns every stored rule, active or not.
func (s *RedisStore) ListRules(ctx context.Context) ([]*rules.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*s.timeout)
	defer cancel()

	var out []*rules.Rule
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, rulePrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan rules: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // deleted between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			var r rules.Rule
			if err := json.Unmarshal(data, &r); err != nil {
				logging.Warn("Skipping undecodable rule",
					zap.String("key", key), zap.Error(err))
				continue
			}
			out = append(out, &r)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ListActiveRules returns only rules with active=true.
func (s *RedisStore) ListActiveRules(ctx context.Context) ([]*rules.Rule, error) {
	all, err := s.ListRules(ctx)
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

// GetAllConfig returns the system_config hash.
func (s *RedisStore) GetAllConfig(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m, err := s.client.HGetAll(ctx, systemConfigKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get system config: %w", err)
	}
	return m, nil
}

// GetConfig returns one system config value, "" when absent.
func (s *RedisStore) GetConfig(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.client.HGet(ctx, systemConfigKey, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get system config %s: %w", key, err)
	}
	return v, nil
}

// SetConfig writes one system config value.
func (s *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("config key is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.HSet(ctx, systemConfigKey, key, value).Err(); err != nil {
		return fmt.Errorf("set system config %s: %w", key, err)
	}
	return nil
}
