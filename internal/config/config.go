package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Source   SourceConfig   `json:"source" yaml:"source"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Sink     SinkConfig     `json:"sink" yaml:"sink"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
	Health   HealthConfig   `json:"health" yaml:"health"`
}

type SourceConfig struct {
	Driver      string        `json:"driver" yaml:"driver"`
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	Topic       string        `json:"topic" yaml:"topic"`
	Partitions  []int         `json:"partitions" yaml:"partitions"`
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	MaxBatch    int           `json:"max_batch" yaml:"max_batch"`
}

type PipelineConfig struct {
	WindowSize         time.Duration `json:"window_size" yaml:"window_size"`
	AllowedLateness    time.Duration `json:"allowed_lateness" yaml:"allowed_lateness"`
	GracePeriod        time.Duration `json:"grace_period" yaml:"grace_period"`
	MaxPastSkew        time.Duration `json:"max_past_skew" yaml:"max_past_skew"`
	MaxFutureSkew      time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	DedupeCapacity     int           `json:"dedupe_capacity" yaml:"dedupe_capacity"`
	CorrectionCapacity int           `json:"correction_capacity" yaml:"correction_capacity"`
	FinalWindowPolicy  string        `json:"final_window_policy" yaml:"final_window_policy"`
	RejectionRateLimit float64       `json:"rejection_rate_limit" yaml:"rejection_rate_limit"`
	RejectionRateSpan  time.Duration `json:"rejection_rate_span" yaml:"rejection_rate_span"`
	RetryPause         time.Duration `json:"retry_pause" yaml:"retry_pause"`
}

type SinkConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	DSN           string        `json:"dsn" yaml:"dsn"`
	RetryInitial  time.Duration `json:"retry_initial" yaml:"retry_initial"`
	RetryMax      time.Duration `json:"retry_max" yaml:"retry_max"`
	RetryDeadline time.Duration `json:"retry_deadline" yaml:"retry_deadline"`
}

type ArchiveConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Dir       string `json:"dir" yaml:"dir"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

const (
	FinalPolicyDeadLetter = "deadletter"
	FinalPolicyDrop       = "drop"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Driver:      "kafka",
			Brokers:     []string{"localhost:9092"},
			Topic:       "city-events",
			Partitions:  []int{0},
			PollTimeout: 2 * time.Second,
			MaxBatch:    500,
		},
		Pipeline: PipelineConfig{
			WindowSize:         5 * time.Minute,
			AllowedLateness:    2 * time.Minute,
			GracePeriod:        10 * time.Minute,
			MaxPastSkew:        24 * time.Hour,
			MaxFutureSkew:      30 * time.Second,
			DedupeCapacity:     100000,
			CorrectionCapacity: 1024,
			FinalWindowPolicy:  FinalPolicyDeadLetter,
			RejectionRateLimit: 0.5,
			RejectionRateSpan:  time.Minute,
			RetryPause:         time.Second,
		},
		Sink: SinkConfig{
			Driver:        "sqlite",
			DSN:           "file:cityflow.db?_pragma=busy_timeout(5000)",
			RetryInitial:  200 * time.Millisecond,
			RetryMax:      5 * time.Second,
			RetryDeadline: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Driver:   "none",
			Endpoint: "localhost:9000",
			Bucket:   "city-events",
		},
		Health: HealthConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Source.PollTimeout <= 0 {
		cfg.Source.PollTimeout = def.Source.PollTimeout
	}
	if cfg.Source.MaxBatch <= 0 {
		cfg.Source.MaxBatch = def.Source.MaxBatch
	}
	if len(cfg.Source.Partitions) == 0 {
		cfg.Source.Partitions = def.Source.Partitions
	}
	if cfg.Pipeline.WindowSize <= 0 {
		cfg.Pipeline.WindowSize = def.Pipeline.WindowSize
	}
	if cfg.Pipeline.AllowedLateness < 0 {
		cfg.Pipeline.AllowedLateness = 0
	}
	if cfg.Pipeline.GracePeriod <= 0 {
		cfg.Pipeline.GracePeriod = def.Pipeline.GracePeriod
	}
	if cfg.Pipeline.MaxPastSkew <= 0 {
		cfg.Pipeline.MaxPastSkew = def.Pipeline.MaxPastSkew
	}
	if cfg.Pipeline.MaxFutureSkew <= 0 {
		cfg.Pipeline.MaxFutureSkew = def.Pipeline.MaxFutureSkew
	}
	if cfg.Pipeline.DedupeCapacity <= 0 {
		cfg.Pipeline.DedupeCapacity = def.Pipeline.DedupeCapacity
	}
	if cfg.Pipeline.CorrectionCapacity <= 0 {
		cfg.Pipeline.CorrectionCapacity = def.Pipeline.CorrectionCapacity
	}
	if cfg.Pipeline.FinalWindowPolicy == "" {
		cfg.Pipeline.FinalWindowPolicy = def.Pipeline.FinalWindowPolicy
	}
	if cfg.Pipeline.RejectionRateLimit <= 0 {
		cfg.Pipeline.RejectionRateLimit = def.Pipeline.RejectionRateLimit
	}
	if cfg.Pipeline.RejectionRateSpan <= 0 {
		cfg.Pipeline.RejectionRateSpan = def.Pipeline.RejectionRateSpan
	}
	if cfg.Pipeline.RetryPause <= 0 {
		cfg.Pipeline.RetryPause = def.Pipeline.RetryPause
	}
	if cfg.Sink.RetryInitial <= 0 {
		cfg.Sink.RetryInitial = def.Sink.RetryInitial
	}
	if cfg.Sink.RetryMax <= 0 {
		cfg.Sink.RetryMax = def.Sink.RetryMax
	}
	if cfg.Sink.RetryDeadline <= 0 {
		cfg.Sink.RetryDeadline = def.Sink.RetryDeadline
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Source.Driver) {
	case "kafka":
		if len(cfg.Source.Brokers) == 0 || cfg.Source.Topic == "" {
			return errors.New("source.kafka requires brokers and topic")
		}
	case "mem":
	default:
		return fmt.Errorf("unsupported source.driver: %q", cfg.Source.Driver)
	}
	seen := make(map[int]bool, len(cfg.Source.Partitions))
	for _, p := range cfg.Source.Partitions {
		if p < 0 {
			return fmt.Errorf("source.partitions contains negative partition: %d", p)
		}
		if seen[p] {
			return fmt.Errorf("source.partitions contains duplicate partition: %d", p)
		}
		seen[p] = true
	}
	switch strings.ToLower(cfg.Sink.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("unsupported sink.driver: %q", cfg.Sink.Driver)
	}
	switch strings.ToLower(cfg.Archive.Driver) {
	case "none", "":
	case "fs":
		if cfg.Archive.Dir == "" {
			return errors.New("archive.dir required when archive.driver is fs")
		}
	case "minio", "s3":
		if cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "" {
			return errors.New("archive.minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported archive.driver: %q", cfg.Archive.Driver)
	}
	switch cfg.Pipeline.FinalWindowPolicy {
	case FinalPolicyDeadLetter, FinalPolicyDrop:
	default:
		return fmt.Errorf("pipeline.final_window_policy must be %q or %q",
			FinalPolicyDeadLetter, FinalPolicyDrop)
	}
	if cfg.Pipeline.AllowedLateness >= cfg.Pipeline.GracePeriod {
		return errors.New("pipeline.grace_period must exceed allowed_lateness")
	}
	if cfg.Health.Enabled && cfg.Health.Addr == "" {
		return errors.New("health.addr required when health.enabled is true")
	}
	return nil
}
