package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Workers.Count != 8 {
		t.Fatalf("workers = %d", cfg.Workers.Count)
	}
	if cfg.Scheduler.Tick.Std() != time.Second {
		t.Fatalf("tick = %s", cfg.Scheduler.Tick.Std())
	}
	if cfg.Scheduler.MissedPolicy != "skip" {
		t.Fatalf("missed_policy = %q", cfg.Scheduler.MissedPolicy)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  rate_limit: 5
store:
  backend: file
  path: /tmp/jobs.json
workers:
  count: 2
  poll_interval: 50ms
scheduler:
  tick: 2s
  missed_policy: catchup
cleanup:
  max_age: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.RateLimit != 5 {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Store.Backend != "file" || cfg.Store.Path != "/tmp/jobs.json" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Workers.Count != 2 || cfg.Workers.PollInterval.Std() != 50*time.Millisecond {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if cfg.Scheduler.Tick.Std() != 2*time.Second || cfg.Scheduler.MissedPolicy != "catchup" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Cleanup.MaxAge.Std() != time.Hour {
		t.Fatalf("cleanup = %+v", cfg.Cleanup)
	}
	// Unset fields keep their defaults.
	if cfg.Workers.ShutdownGrace.Std() != 5*time.Second {
		t.Fatalf("shutdown_grace = %s", cfg.Workers.ShutdownGrace.Std())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKD_HTTP_ADDR", ":7070")
	t.Setenv("TASKD_WORKERS", "3")
	t.Setenv("TASKD_MISSED_POLICY", "catchup")
	t.Setenv("TASKD_POLL_INTERVAL", "10ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Workers.Count != 3 {
		t.Fatalf("workers = %d", cfg.Workers.Count)
	}
	if cfg.Scheduler.MissedPolicy != "catchup" {
		t.Fatalf("missed_policy = %q", cfg.Scheduler.MissedPolicy)
	}
	if cfg.Workers.PollInterval.Std() != 10*time.Millisecond {
		t.Fatalf("poll = %s", cfg.Workers.PollInterval.Std())
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad backend", "store:\n  backend: redis\n"},
		{"missing path", "store:\n  backend: file\n  path: \"\"\n"},
		{"bad missed policy", "scheduler:\n  missed_policy: replay\n"},
		{"zero workers", "workers:\n  count: 0\n"},
		{"bad duration", "scheduler:\n  tick: fast\n"},
		{"negative duration", "workers:\n  poll_interval: -5s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for explicit missing file")
	}
}
