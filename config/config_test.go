package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.Capacity != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", cfg.Memory.Capacity)
	}
	if cfg.Redis.Host != "localhost" || cfg.Redis.Port != 6379 {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.Redis.ConnectTimeoutMs != 5000 || cfg.Redis.CommandTimeoutMs != 3000 {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Redis)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsar.json")
	data := `{"origin_id":"node-1","memory":{"capacity":50},"redis":{"host":"cache.internal","port":6380}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.OriginID != "node-1" {
		t.Fatalf("expected origin_id 'node-1', got %q", cfg.OriginID)
	}
	if cfg.Memory.Capacity != 50 {
		t.Fatalf("expected capacity 50, got %d", cfg.Memory.Capacity)
	}
	if cfg.Redis.Host != "cache.internal" || cfg.Redis.Port != 6380 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	// Untouched fields keep their defaults.
	if cfg.Redis.ConnectTimeoutMs != 5000 {
		t.Fatalf("expected default connect timeout, got %d", cfg.Redis.ConnectTimeoutMs)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsar.yaml")
	data := "origin_id: node-2\nredis:\n  host: cache.internal\n  db: 3\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.OriginID != "node-2" {
		t.Fatalf("expected origin_id 'node-2', got %q", cfg.OriginID)
	}
	if cfg.Redis.Host != "cache.internal" || cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PULSAR_ORIGIN_ID", "env-node")
	t.Setenv("PULSAR_REDIS_HOST", "redis.env")
	t.Setenv("PULSAR_REDIS_PORT", "7000")
	t.Setenv("PULSAR_CAPACITY", "25")
	t.Setenv("PULSAR_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.OriginID != "env-node" {
		t.Fatalf("expected origin from env, got %q", cfg.OriginID)
	}
	if cfg.Redis.Host != "redis.env" || cfg.Redis.Port != 7000 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Memory.Capacity != 25 {
		t.Fatalf("expected capacity 25, got %d", cfg.Memory.Capacity)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.LogLevel)
	}
}

func TestLoadFromEnv_IgnoresBadNumbers(t *testing.T) {
	t.Setenv("PULSAR_REDIS_PORT", "not-a-port")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Port != 6379 {
		t.Fatalf("expected default port on bad env value, got %d", cfg.Redis.Port)
	}
}
