package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen"`     // proxy listener, e.g. ":8080"
	Admin     AdminConfig     `yaml:"admin"`      // admin API listener
	Upstream  string          `yaml:"upstream"`   // upstream base URL
	Redis     RedisConfig     `yaml:"redis"`      // shared store
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Events    EventsConfig    `yaml:"events"`
}

// AdminConfig configures the admin API listener.
// The admin surface is bound to loopback by default; it carries rule CRUD
// and the decision event stream and must not be exposed publicly.
type AdminConfig struct {
	Listen string `yaml:"listen"` // default "127.0.0.1:9090"
}

// RedisConfig configures the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"` // default "localhost:6379"
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // rotate to file when set
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// RateLimitConfig tunes the decision engine.
type RateLimitConfig struct {
	TrustXForwardedFor bool          `yaml:"trust_x_forwarded_for"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`       // per-call store deadline
	QueueSweepInterval time.Duration `yaml:"queue_sweep_interval"` // idle queue-entry GC
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`      // body buffer cap
}

// EventsConfig tunes the decision event stream.
type EventsConfig struct {
	HistorySize      int `yaml:"history_size"`       // snapshot ring capacity, default 100
	ClientBufferSize int `yaml:"client_buffer_size"` // per-subscriber channel, default 64
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		Admin:    AdminConfig{Listen: "127.0.0.1:9090"},
		Upstream: "http://localhost:8081",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Logging:  LoggingConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			StoreTimeout:       time.Second,
			QueueSweepInterval: 60 * time.Second,
			MaxBodyBytes:       1 << 20,
		},
		Events: EventsConfig{
			HistorySize:      100,
			ClientBufferSize: 64,
		},
	}
}
