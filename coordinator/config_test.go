package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8765 || cfg.Server.MaxConnections != 100 {
		t.Errorf("server defaults wrong: %+v", cfg.Server)
	}
	if cfg.Heartbeat.OfflineThresholdSeconds != 300 || cfg.Heartbeat.SweepIntervalSeconds != 30 {
		t.Errorf("heartbeat defaults wrong: %+v", cfg.Heartbeat)
	}
	if cfg.Scheduler.QueueCapacity != 10000 || cfg.Scheduler.DefaultMaxRetries != 3 {
		t.Errorf("scheduler defaults wrong: %+v", cfg.Scheduler)
	}
	if cfg.Results.RetentionCount != 10000 {
		t.Errorf("results defaults wrong: %+v", cfg.Results)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("storage defaults wrong: %+v", cfg.Storage)
	}
}

func TestConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9999
heartbeat:
  offline_threshold_seconds: 120
scheduler:
  queue_capacity: 42
storage:
  backend: memory
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CLUSTER_QUEUE_CAPACITY", "77")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("file value not applied: %d", cfg.Server.Port)
	}
	if cfg.Heartbeat.OfflineThresholdSeconds != 120 {
		t.Errorf("file threshold not applied: %d", cfg.Heartbeat.OfflineThresholdSeconds)
	}
	if cfg.Scheduler.QueueCapacity != 77 {
		t.Errorf("env override lost to file: %d", cfg.Scheduler.QueueCapacity)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend not applied: %s", cfg.Storage.Backend)
	}
	// Untouched values keep defaults.
	if cfg.Scheduler.DefaultMaxRetries != 3 {
		t.Errorf("default lost: %d", cfg.Scheduler.DefaultMaxRetries)
	}
}

func TestConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: ["), 0o644)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("malformed YAML accepted")
	}
}

func TestConfigRejectsThresholdBelowInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(`
heartbeat:
  interval_seconds: 60
  offline_threshold_seconds: 30
`), 0o644)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("threshold below heartbeat interval accepted")
	}
}
