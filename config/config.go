// Package config holds the supervisor configuration.
// Precedence: built-in defaults < YAML file (VEA_CONFIG) < VEA_* environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.  Every option has a default so an
// empty environment produces a runnable supervisor.
type Config struct {
	// External surfaces
	ControlPort int    `json:"control_port"  yaml:"control_port"`
	HealthPort  int    `json:"health_port"   yaml:"health_port"`
	DataDir     string `json:"data_dir"      yaml:"data_dir"`
	LogLevel    string `json:"log_level"     yaml:"log_level"`

	// Sandbox driver
	SandboxSocket string `json:"sandbox_socket" yaml:"sandbox_socket"`
	ScriptImage   string `json:"script_image"   yaml:"script_image"`

	// Signal broker
	BrokerEndpoint string `json:"broker_endpoint" yaml:"broker_endpoint"`
	BrokerEnabled  bool   `json:"broker_enabled"  yaml:"broker_enabled"`

	// Lifecycle behaviour
	MaxLiveApps              int    `json:"max_live_apps"               yaml:"max_live_apps"`
	DefaultMemoryBytes       int64  `json:"default_memory_bytes"        yaml:"default_memory_bytes"`
	DefaultCPUShare          int64  `json:"default_cpu_share"           yaml:"default_cpu_share"`
	AppIDPrefix              string `json:"app_id_prefix"               yaml:"app_id_prefix"`
	ReconcileIntervalMS      int    `json:"reconcile_interval_ms"       yaml:"reconcile_interval_ms"`
	DefaultRequestDeadlineMS int    `json:"default_request_deadline_ms" yaml:"default_request_deadline_ms"`
	DefaultStopGraceMS       int    `json:"default_stop_grace_ms"       yaml:"default_stop_grace_ms"`

	// Control plane / console
	ControlWorkers   int `json:"control_workers"    yaml:"control_workers"`
	LogRetentionRows int `json:"log_retention_rows" yaml:"log_retention_rows"`
	ConsoleBuffer    int `json:"console_buffer"     yaml:"console_buffer"`
}

func defaults() Config {
	return Config{
		ControlPort:              3002,
		HealthPort:               3003,
		DataDir:                  "/var/lib/vea",
		LogLevel:                 "info",
		SandboxSocket:            "/var/run/docker.sock",
		ScriptImage:              "alpine:3",
		BrokerEndpoint:           "localhost:55555",
		BrokerEnabled:            true,
		MaxLiveApps:              5,
		DefaultMemoryBytes:       256 << 20,
		DefaultCPUShare:          512,
		AppIDPrefix:              "VEA-",
		ReconcileIntervalMS:      30_000,
		DefaultRequestDeadlineMS: 30_000,
		DefaultStopGraceMS:       10_000,
		ControlWorkers:           4,
		LogRetentionRows:         1000,
		ConsoleBuffer:            256,
	}
}

// Load builds the configuration.  path may be empty; when set the YAML file is
// applied over the defaults before the environment.
func Load(path string) (Config, error) {
	c := defaults()

	if path == "" {
		path = os.Getenv("VEA_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	c.ControlPort = envInt("VEA_CONTROL_PORT", c.ControlPort)
	c.HealthPort = envInt("VEA_HEALTH_PORT", c.HealthPort)
	c.DataDir = env("VEA_DATA_DIR", c.DataDir)
	c.LogLevel = env("VEA_LOG_LEVEL", c.LogLevel)
	c.SandboxSocket = env("VEA_SANDBOX_SOCKET", c.SandboxSocket)
	c.ScriptImage = env("VEA_SCRIPT_IMAGE", c.ScriptImage)
	c.BrokerEndpoint = env("VEA_BROKER_ENDPOINT", c.BrokerEndpoint)
	c.BrokerEnabled = envBool("VEA_BROKER_ENABLED", c.BrokerEnabled)
	c.MaxLiveApps = envInt("VEA_MAX_LIVE_APPS", c.MaxLiveApps)
	c.DefaultMemoryBytes = envInt64("VEA_DEFAULT_MEMORY_BYTES", c.DefaultMemoryBytes)
	c.DefaultCPUShare = envInt64("VEA_DEFAULT_CPU_SHARE", c.DefaultCPUShare)
	c.AppIDPrefix = env("VEA_APP_ID_PREFIX", c.AppIDPrefix)
	c.ReconcileIntervalMS = envInt("VEA_RECONCILE_INTERVAL_MS", c.ReconcileIntervalMS)
	c.DefaultRequestDeadlineMS = envInt("VEA_DEFAULT_REQUEST_DEADLINE_MS", c.DefaultRequestDeadlineMS)
	c.DefaultStopGraceMS = envInt("VEA_DEFAULT_STOP_GRACE_MS", c.DefaultStopGraceMS)
	c.ControlWorkers = envInt("VEA_CONTROL_WORKERS", c.ControlWorkers)
	c.LogRetentionRows = envInt("VEA_LOG_RETENTION_ROWS", c.LogRetentionRows)
	c.ConsoleBuffer = envInt("VEA_CONSOLE_BUFFER", c.ConsoleBuffer)

	return c, c.validate()
}

func (c Config) validate() error {
	if c.AppIDPrefix == "" {
		return fmt.Errorf("app_id_prefix must not be empty")
	}
	if c.MaxLiveApps < 1 {
		return fmt.Errorf("max_live_apps must be >= 1, got %d", c.MaxLiveApps)
	}
	if c.ControlWorkers < 1 {
		return fmt.Errorf("control_workers must be >= 1, got %d", c.ControlWorkers)
	}
	return nil
}

// ---- derived values ----

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMS) * time.Millisecond
}

func (c Config) RequestDeadline() time.Duration {
	return time.Duration(c.DefaultRequestDeadlineMS) * time.Millisecond
}

func (c Config) StopGrace() time.Duration {
	return time.Duration(c.DefaultStopGraceMS) * time.Millisecond
}

// Debug reports whether debug-level logging is enabled.
func (c Config) Debug() bool { return c.LogLevel == "debug" }

// ---- env helpers ----

func env(key, def string) string {
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

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
