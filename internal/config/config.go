// Package config loads runtime configuration from an optional YAML file,
// with environment-variable overrides and sane defaults for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration parses YAML scalars through time.ParseDuration ("250ms", "1s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	RateLimit int    `yaml:"rate_limit"` // submits per second, 0 disables
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite | file | memory
	Path    string `yaml:"path"`
}

type WorkersConfig struct {
	Count         int      `yaml:"count"`
	PollInterval  Duration `yaml:"poll_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

type SchedulerConfig struct {
	Tick         Duration `yaml:"tick"`
	MissedPolicy string   `yaml:"missed_policy"` // skip | catchup
}

type CleanupConfig struct {
	MaxAge Duration `yaml:"max_age"` // 0 disables terminal-job cleanup
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080", RateLimit: 20},
		Store: StoreConfig{Backend: "sqlite", Path: "taskd.db"},
		Workers: WorkersConfig{
			Count:         8,
			PollInterval:  Duration(250 * time.Millisecond),
			ShutdownGrace: Duration(5 * time.Second),
		},
		Scheduler: SchedulerConfig{
			Tick:         Duration(time.Second),
			MissedPolicy: "skip",
		},
		Cleanup: CleanupConfig{MaxAge: Duration(24 * time.Hour)},
	}
}

// Load reads the YAML file at path (missing file falls back to defaults when
// path is empty), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("TASKD_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.RateLimit = getEnvInt("TASKD_RATE_LIMIT", c.HTTP.RateLimit)
	c.Store.Backend = getEnv("TASKD_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getEnv("TASKD_STORE_PATH", c.Store.Path)
	c.Workers.Count = getEnvInt("TASKD_WORKERS", c.Workers.Count)
	c.Workers.PollInterval = getEnvDuration("TASKD_POLL_INTERVAL", c.Workers.PollInterval)
	c.Workers.ShutdownGrace = getEnvDuration("TASKD_SHUTDOWN_GRACE", c.Workers.ShutdownGrace)
	c.Scheduler.Tick = getEnvDuration("TASKD_SCHEDULER_TICK", c.Scheduler.Tick)
	c.Scheduler.MissedPolicy = getEnv("TASKD_MISSED_POLICY", c.Scheduler.MissedPolicy)
	c.Cleanup.MaxAge = getEnvDuration("TASKD_CLEANUP_MAX_AGE", c.Cleanup.MaxAge)
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite, file or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
	}
	switch c.Scheduler.MissedPolicy {
	case "skip", "catchup":
	default:
		return fmt.Errorf("scheduler.missed_policy must be skip or catchup, got %q", c.Scheduler.MissedPolicy)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return Duration(d)
		}
	}
	return def
}
