package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the coordinator configuration. Values come from defaults,
// then the YAML file, then environment overrides, in that order.
type Config struct {
	Server struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"server"`

	Heartbeat struct {
		IntervalSeconds         int `yaml:"interval_seconds"`
		OfflineThresholdSeconds int `yaml:"offline_threshold_seconds"`
		SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
	} `yaml:"heartbeat"`

	Scheduler struct {
		QueueCapacity             int `yaml:"queue_capacity"`
		DefaultTaskTimeoutSeconds int `yaml:"default_task_timeout_seconds"`
		DefaultMaxRetries         int `yaml:"default_max_retries"`
		TaskSweepIntervalSeconds  int `yaml:"task_sweep_interval_seconds"`
	} `yaml:"scheduler"`

	Results struct {
		RetentionCount   int `yaml:"retention_count"`
		RetentionSeconds int `yaml:"retention_seconds"`
	} `yaml:"results"`

	Storage struct {
		Backend       string `yaml:"backend"` // file, redis, memory
		RegistryPath  string `yaml:"registry_path"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		EventLogDSN   string `yaml:"event_log_dsn"`
	} `yaml:"storage"`

	API struct {
		Addr        string  `yaml:"addr"`
		SubmitRate  float64 `yaml:"submit_rate"`
		SubmitBurst int     `yaml:"submit_burst"`
	} `yaml:"api"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	var c Config
	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8765
	c.Server.MaxConnections = 100
	c.Heartbeat.IntervalSeconds = 60
	c.Heartbeat.OfflineThresholdSeconds = 300
	c.Heartbeat.SweepIntervalSeconds = 30
	c.Scheduler.QueueCapacity = 10000
	c.Scheduler.DefaultTaskTimeoutSeconds = 300
	c.Scheduler.DefaultMaxRetries = 3
	c.Scheduler.TaskSweepIntervalSeconds = 60
	c.Results.RetentionCount = 10000
	c.Results.RetentionSeconds = 24 * 3600
	c.Storage.Backend = "file"
	c.Storage.RegistryPath = "data/registry.json"
	c.API.Addr = ":8080"
	c.API.SubmitRate = 50
	c.API.SubmitBurst = 100
	return c
}

// LoadConfig builds the effective configuration. path may be empty, in
// which case only CLUSTER_CONFIG (if set) is consulted for a file.
func LoadConfig(path string) (Config, error) {
	// A .env beside the binary feeds the overrides below.
	godotenv.Load()

	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("CLUSTER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Heartbeat.OfflineThresholdSeconds <= cfg.Heartbeat.IntervalSeconds {
		return cfg, fmt.Errorf("config: offline threshold (%ds) must exceed the heartbeat interval (%ds)",
			cfg.Heartbeat.OfflineThresholdSeconds, cfg.Heartbeat.IntervalSeconds)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLUSTER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	setEnvInt("CLUSTER_PORT", &cfg.Server.Port)
	setEnvInt("CLUSTER_MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	setEnvInt("CLUSTER_OFFLINE_THRESHOLD", &cfg.Heartbeat.OfflineThresholdSeconds)
	setEnvInt("CLUSTER_SWEEP_INTERVAL", &cfg.Heartbeat.SweepIntervalSeconds)
	setEnvInt("CLUSTER_QUEUE_CAPACITY", &cfg.Scheduler.QueueCapacity)
	setEnvInt("CLUSTER_DEFAULT_TIMEOUT", &cfg.Scheduler.DefaultTaskTimeoutSeconds)
	setEnvInt("CLUSTER_DEFAULT_RETRIES", &cfg.Scheduler.DefaultMaxRetries)
	if v := os.Getenv("CLUSTER_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("CLUSTER_REGISTRY_PATH"); v != "" {
		cfg.Storage.RegistryPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("CLUSTER_EVENT_LOG_DSN"); v != "" {
		cfg.Storage.EventLogDSN = v
	}
	if v := os.Getenv("CLUSTER_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}

func setEnvInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
