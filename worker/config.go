package main

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Config holds the worker configuration and identity.
type Config struct {
	DeviceID       string
	Role           string
	Platform       string
	Architecture   string
	RuntimeVersion string

	ServerAddr string
	Tags       []string

	CPUCores    int
	MemoryGB    float64
	StorageGB   float64
	HasGPU      bool
	HasInternet bool

	MaxConcurrentTasks int
	HeartbeatInterval  int // seconds
}

// LoadConfig initializes the worker configuration from the environment,
// generating and persisting a device id on first run.
func LoadConfig() *Config {
	cfg := &Config{
		Role:               envOr("WORKER_ROLE", "worker"),
		Platform:           platformName(),
		Architecture:       runtime.GOARCH,
		RuntimeVersion:     runtime.Version(),
		ServerAddr:         envOr("CLUSTER_SERVER", "localhost:8765"),
		CPUCores:           runtime.NumCPU(),
		MemoryGB:           envFloat("WORKER_MEMORY_GB", 4),
		StorageGB:          envFloat("WORKER_STORAGE_GB", 32),
		HasGPU:             os.Getenv("WORKER_HAS_GPU") == "true",
		HasInternet:        os.Getenv("WORKER_NO_INTERNET") != "true",
		MaxConcurrentTasks: envInt("WORKER_MAX_CONCURRENT", 4),
		HeartbeatInterval:  envInt("WORKER_HEARTBEAT_INTERVAL", 60),
	}

	if tags := os.Getenv("WORKER_TAGS"); tags != "" {
		cfg.Tags = strings.Split(tags, ",")
	}

	cfg.DeviceID = os.Getenv("WORKER_DEVICE_ID")
	if cfg.DeviceID == "" {
		id, err := getOrCreateDeviceID()
		if err != nil {
			log.Fatalf("failed to initialize device id: %v", err)
		}
		cfg.DeviceID = id
	}
	return cfg
}

func platformName() string {
	switch runtime.GOOS {
	case "linux", "windows", "android":
		return runtime.GOOS
	case "darwin":
		return "macos"
	default:
		return "other"
	}
}

// getOrCreateDeviceID keeps the id stable across reconnects and
// restarts by persisting it next to the user config.
func getOrCreateDeviceID() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	path := filepath.Join(dir, "retire-cluster", "device_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	id := hostname + "-" + uuid.NewString()[:8]

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
