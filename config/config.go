// Package config holds the construction-time configuration surface for
// pulsar components, loadable from a JSON or YAML file with environment
// variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MemoryConfig holds memory adapter settings.
type MemoryConfig struct {
	Capacity          int `json:"capacity" yaml:"capacity"`
	DefaultTTLSeconds int `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
}

// RedisConfig holds remote adapter and pub/sub connection settings.
type RedisConfig struct {
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	KeyPrefix        string `json:"key_prefix" yaml:"key_prefix"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	CommandTimeoutMs int    `json:"command_timeout_ms" yaml:"command_timeout_ms"`
}

// Config is the central configuration struct.
type Config struct {
	// OriginID identifies this process in multi-process mode. Empty means
	// a random identity is generated at service construction.
	OriginID string `json:"origin_id" yaml:"origin_id"`

	// EventPattern overrides the pub/sub pattern cache events travel on.
	EventPattern string `json:"event_pattern" yaml:"event_pattern"`

	Memory MemoryConfig `json:"memory" yaml:"memory"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			Capacity: 1000,
		},
		Redis: RedisConfig{
			Host:             "localhost",
			Port:             6379,
			DB:               0,
			ConnectTimeoutMs: 5000,
			CommandTimeoutMs: 3000,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension, on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PULSAR_ORIGIN_ID"); v != "" {
		cfg.OriginID = v
	}
	if v := os.Getenv("PULSAR_EVENT_PATTERN"); v != "" {
		cfg.EventPattern = v
	}
	if v := os.Getenv("PULSAR_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.Capacity = n
		}
	}
	if v := os.Getenv("PULSAR_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.DefaultTTLSeconds = n
		}
	}
	if v := os.Getenv("PULSAR_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("PULSAR_REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = n
		}
	}
	if v := os.Getenv("PULSAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PULSAR_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("PULSAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PULSAR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
