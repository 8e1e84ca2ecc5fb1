// Package config loads and serves the gateway worker's configuration
// (spec.md §6 "Config fields consumed by the core"), using viper the way
// the example pack's pyproc config loader does.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every field the core reads. Field names mirror spec.md §6
// literally; mapstructure tags let viper populate it from YAML/JSON/env.
type Config struct {
	Port int `mapstructure:"port"`

	MaxConnections        int           `mapstructure:"max_connections"`
	WorkerConnections     int           `mapstructure:"worker_connections"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	KeepaliveTimeout      time.Duration `mapstructure:"keepalive_timeout"`
	MemoryPoolSize        int           `mapstructure:"memory_pool_size"`
	EnableConnectionReuse bool          `mapstructure:"enable_connection_reuse"`
	PoolCleanupInterval   time.Duration `mapstructure:"pool_cleanup_interval"`

	EventLoopMaxEvents int `mapstructure:"event_loop_max_events"`
	EventLoopBatchSize int `mapstructure:"event_loop_batch_size"`
	EventLoopTimeoutMS int `mapstructure:"event_loop_timeout_ms"`

	ConnectionLimitPerIP   int           `mapstructure:"connection_limit_per_ip"`
	ConnectionLimitWindow  time.Duration `mapstructure:"connection_limit_window"`
	MaxRequestsPerSecond   int           `mapstructure:"max_requests_per_second"`
	MaxRequestsBurst       int           `mapstructure:"max_requests_burst"`
	RateLimitWindow        time.Duration `mapstructure:"rate_limit_window"`
	LimiterCleanupInterval time.Duration `mapstructure:"limiter_cleanup_interval"`

	ThreadPoolSize      int `mapstructure:"thread_pool_size"`
	ThreadPoolQueueSize int `mapstructure:"thread_pool_queue_size"`

	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`

	Env string `mapstructure:"env"`
}

// MinIdleConnections, MaxIdleConnections and IdleTimeout are the pool
// derivations spec.md §6 specifies in terms of other fields, rather than
// being configured directly.
func (c *Config) MinIdleConnections() int { return c.WorkerConnections / 10 }
func (c *Config) MaxIdleConnections() int { return c.WorkerConnections / 2 }
func (c *Config) IdleTimeout() time.Duration {
	return 2 * c.KeepaliveTimeout
}

// Clone returns a value copy: Config has no reference fields, so this is
// a full deep copy. It exists to make "workers snapshot the config by
// value" call sites explicit, matching spec.md §5.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Default returns the baseline configuration used when no file/env
// overrides are present.
func Default() *Config {
	return &Config{
		Port:                    8080,
		MaxConnections:          100000,
		WorkerConnections:       4096,
		ConnectionTimeout:       10 * time.Second,
		KeepaliveTimeout:        5 * time.Second,
		MemoryPoolSize:          10000,
		EnableConnectionReuse:   true,
		PoolCleanupInterval:     1 * time.Second,
		EventLoopMaxEvents:      1024,
		EventLoopBatchSize:      1024,
		EventLoopTimeoutMS:      100,
		ConnectionLimitPerIP:    100,
		ConnectionLimitWindow:   1 * time.Minute,
		MaxRequestsPerSecond:    100,
		MaxRequestsBurst:        20,
		RateLimitWindow:         1 * time.Second,
		LimiterCleanupInterval:  60 * time.Second,
		ThreadPoolSize:          8,
		ThreadPoolQueueSize:     1024,
		GracefulShutdownTimeout: 30 * time.Second,
		Env:                     "development",
	}
}

// Load reads configuration from path (if non-empty), layered over
// Default() and the GATEWAY_-prefixed environment. path may name a YAML,
// JSON or TOML file; viper infers the format from its extension,
// matching yumosx-pyproc's loader shape.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("gateway")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("worker_connections", d.WorkerConnections)
	v.SetDefault("connection_timeout", d.ConnectionTimeout)
	v.SetDefault("keepalive_timeout", d.KeepaliveTimeout)
	v.SetDefault("memory_pool_size", d.MemoryPoolSize)
	v.SetDefault("enable_connection_reuse", d.EnableConnectionReuse)
	v.SetDefault("pool_cleanup_interval", d.PoolCleanupInterval)
	v.SetDefault("event_loop_max_events", d.EventLoopMaxEvents)
	v.SetDefault("event_loop_batch_size", d.EventLoopBatchSize)
	v.SetDefault("event_loop_timeout_ms", d.EventLoopTimeoutMS)
	v.SetDefault("connection_limit_per_ip", d.ConnectionLimitPerIP)
	v.SetDefault("connection_limit_window", d.ConnectionLimitWindow)
	v.SetDefault("max_requests_per_second", d.MaxRequestsPerSecond)
	v.SetDefault("max_requests_burst", d.MaxRequestsBurst)
	v.SetDefault("rate_limit_window", d.RateLimitWindow)
	v.SetDefault("limiter_cleanup_interval", d.LimiterCleanupInterval)
	v.SetDefault("thread_pool_size", d.ThreadPoolSize)
	v.SetDefault("thread_pool_queue_size", d.ThreadPoolQueueSize)
	v.SetDefault("graceful_shutdown_timeout", d.GracefulShutdownTimeout)
	v.SetDefault("env", d.Env)
}
