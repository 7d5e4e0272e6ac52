package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
source:
  driver: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: city-events
  partitions: [0, 1, 2]
pipeline:
  window_size: 10m
  allowed_lateness: 3m
  grace_period: 20m
  final_window_policy: drop
sink:
  driver: postgres
  dsn: postgres://cityflow@db/cityflow
archive:
  driver: minio
  endpoint: minio:9000
  bucket: city-events
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if len(cfg.Source.Brokers) != 2 || len(cfg.Source.Partitions) != 3 {
		t.Fatalf("source = %+v", cfg.Source)
	}
	if cfg.Pipeline.WindowSize != 10*time.Minute {
		t.Fatalf("window_size = %s", cfg.Pipeline.WindowSize)
	}
	if cfg.Pipeline.AllowedLateness != 3*time.Minute {
		t.Fatalf("allowed_lateness = %s", cfg.Pipeline.AllowedLateness)
	}
	if cfg.Pipeline.FinalWindowPolicy != FinalPolicyDrop {
		t.Fatalf("final_window_policy = %q", cfg.Pipeline.FinalWindowPolicy)
	}
	// Omitted fields pick up defaults.
	if cfg.Pipeline.DedupeCapacity != 100000 {
		t.Fatalf("dedupe_capacity default = %d", cfg.Pipeline.DedupeCapacity)
	}
	if cfg.Sink.RetryDeadline != 30*time.Second {
		t.Fatalf("retry_deadline default = %s", cfg.Sink.RetryDeadline)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"source": {"driver": "mem"},
		"sink": {"driver": "memory"},
		"pipeline": {"window_size": 60000000000}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.Driver != "mem" || cfg.Sink.Driver != "memory" {
		t.Fatalf("drivers = %q/%q", cfg.Source.Driver, cfg.Sink.Driver)
	}
	if cfg.Pipeline.WindowSize != time.Minute {
		t.Fatalf("window_size = %s", cfg.Pipeline.WindowSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", "   \n"},
		{"unknown source driver", "source:\n  driver: carrier-pigeon\n"},
		{"unknown sink driver", "sink:\n  driver: parchment\n"},
		{"bad final policy", "source:\n  driver: mem\npipeline:\n  final_window_policy: shrug\n"},
		{"duplicate partitions", "source:\n  driver: mem\n  partitions: [0, 0]\n"},
		{"lateness above grace", "source:\n  driver: mem\npipeline:\n  allowed_lateness: 30m\n  grace_period: 10m\n"},
		{"fs archive without dir", "source:\n  driver: mem\narchive:\n  driver: fs\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, "config.yaml", tc.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: invalid config accepted", tc.name)
		}
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
