package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisperd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
token: abc123
chat_id: "42"
log_level: debug
heartbeat: "*/5 * * * *"
tuning:
  max_retries: 7
  base_retry_delay: 2s
  queue_capacity: 200
  dedup_ttl: 10m
  batch_interval: 30s
  rate_per_sec: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "abc123" || cfg.ChatID != "42" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Tuning.MaxRetries != 7 || cfg.Tuning.QueueCapacity != 200 || cfg.Tuning.RatePerSec != 5 {
		t.Fatalf("unexpected tuning: %+v", cfg.Tuning)
	}
	if cfg.Tuning.BaseRetryDelay.Std() != 2*time.Second {
		t.Fatalf("base_retry_delay = %v", cfg.Tuning.BaseRetryDelay.Std())
	}
	if cfg.Tuning.DedupTTL.Std() != 10*time.Minute {
		t.Fatalf("dedup_ttl = %v", cfg.Tuning.DedupTTL.Std())
	}
	if cfg.HeartbeatText != "heartbeat" {
		t.Fatalf("heartbeat text default missing: %q", cfg.HeartbeatText)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "token: abc\nqueue_capcity: 10\n")
	if _, err := Load(path); err == nil {
		t.Fatal("typo'd key must be rejected")
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "chat_id: \"42\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("missing token must be an error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "token: abc\ntuning:\n  dedup_ttl: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unparseable duration must be an error")
	}
}
