package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every knob the engine needs, loaded from flags/env/file via
// viper.
type Config struct {
	Host string
	Port int

	MaxCacheBytes int
	Topology      string // "single" or "multi"
	WorkerCount   int    // worker reactor count under the "multi" topology

	PoolEnabled      bool
	PoolLowWatermark int
	PoolHighWater    int
	PoolMaxQueue     int
	PoolIdleTime     time.Duration

	LogLevel  string
	LogFormat string // "text" or "json"
}

// DefaultConfig returns the configuration used when no flags, env vars, or
// config file override a field.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          11211,
		MaxCacheBytes: DefaultMaxCacheBytes,
		Topology:      "single",
		WorkerCount:   4,

		PoolEnabled:      false,
		PoolLowWatermark: 2,
		PoolHighWater:    8,
		PoolMaxQueue:     1024,
		PoolIdleTime:     5 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig builds a Config from viper's merged flag/env/file view. v is
// expected to already have its defaults set and flags bound by cmd.go.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	cfg.Host = v.GetString("host")
	cfg.Port = v.GetInt("port")
	cfg.MaxCacheBytes = v.GetInt("cache-bytes")
	cfg.Topology = v.GetString("topology")
	cfg.WorkerCount = v.GetInt("workers")
	cfg.PoolEnabled = v.GetBool("pool-enabled")
	cfg.PoolLowWatermark = v.GetInt("pool-low")
	cfg.PoolHighWater = v.GetInt("pool-high")
	cfg.PoolMaxQueue = v.GetInt("pool-queue")
	cfg.PoolIdleTime = v.GetDuration("pool-idle")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration the engine could not run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.MaxCacheBytes <= 0 {
		return errors.Errorf("cache-bytes must be positive, got %d", c.MaxCacheBytes)
	}
	switch c.Topology {
	case "single", "multi":
	default:
		return errors.Errorf("unknown topology %q (want \"single\" or \"multi\")", c.Topology)
	}
	if c.Topology == "multi" && c.WorkerCount < 1 {
		return errors.Errorf("workers must be at least 1 under the multi topology, got %d", c.WorkerCount)
	}
	if c.PoolEnabled {
		if c.PoolLowWatermark < 0 || c.PoolHighWater < c.PoolLowWatermark {
			return errors.Errorf("invalid pool watermarks: low=%d high=%d", c.PoolLowWatermark, c.PoolHighWater)
		}
		if c.PoolMaxQueue < 1 {
			return errors.Errorf("pool-queue must be at least 1, got %d", c.PoolMaxQueue)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unknown log-format %q (want \"text\" or \"json\")", c.LogFormat)
	}
	return nil
}

// String renders a one-line summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("host=%s port=%d cache_bytes=%d topology=%s workers=%d pool_enabled=%t",
		c.Host, c.Port, c.MaxCacheBytes, c.Topology, c.WorkerCount, c.PoolEnabled)
}

// poolConfig builds the PoolConfig this engine's ThreadPool should use.
func (c *Config) poolConfig() PoolConfig {
	return PoolConfig{
		Name:         "cache-executor",
		LowWatermark: c.PoolLowWatermark,
		HighWater:    c.PoolHighWater,
		MaxQueueSize: c.PoolMaxQueue,
		IdleTime:     c.PoolIdleTime,
	}
}
