// Package config loads the whisperd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Token    string `yaml:"token"`
	ChatID   string `yaml:"chat_id"`
	LogLevel string `yaml:"log_level"`

	// Heartbeat is an optional cron spec; when set, HeartbeatText is
	// sent on that schedule.
	Heartbeat     string `yaml:"heartbeat"`
	HeartbeatText string `yaml:"heartbeat_text"`

	Tuning Tuning `yaml:"tuning"`
}

type Tuning struct {
	MaxRetries     int      `yaml:"max_retries"`
	BaseRetryDelay Duration `yaml:"base_retry_delay"`
	QueueCapacity  int      `yaml:"queue_capacity"`
	DedupTTL       Duration `yaml:"dedup_ttl"`
	DedupCapacity  int      `yaml:"dedup_capacity"`
	BatchInterval  Duration `yaml:"batch_interval"`
	RatePerSec     int      `yaml:"rate_per_sec"`
}

// Load reads and strictly decodes the config file: unknown keys are
// an error so typos do not silently become defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("config: token is required")
	}
	if cfg.Heartbeat != "" && strings.TrimSpace(cfg.HeartbeatText) == "" {
		cfg.HeartbeatText = "heartbeat"
	}
	return &cfg, nil
}
