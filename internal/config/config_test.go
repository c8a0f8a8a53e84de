package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
	if cfg.SystemA.ConsumerGroup == cfg.SystemB.ConsumerGroup {
		t.Error("the two directions must not share a consumer group")
	}
	if cfg.RetentionWindow() != 30*24*time.Hour {
		t.Errorf("retention window = %v, want 720h", cfg.RetentionWindow())
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.Addresses != "localhost:9092" {
		t.Errorf("broker = %q, want localhost:9092", cfg.Broker.Addresses)
	}
	if cfg.DeadLetterTopic != "duplex-dead-letters" {
		t.Errorf("dead letter topic = %q, want duplex-dead-letters", cfg.DeadLetterTopic)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	content := `
broker:
  addresses: "kafka-1:9092,kafka-2:9092"
system_a:
  channel_prefix: "src_"
  topics: ["src_users"]
  consumer_group: "sync-forward"
system_b:
  consumer_group: "sync-backward"
retry:
  max_attempts: 5
  initial_delay: 2s
  max_delay: 1m
  multiplier: 2
dead_letter_topic: "sync-dlq"
ledger:
  retention_days: 7
  prune_interval: 30m
dedup:
  enabled: true
  redis:
    addr: "redis:6379"
`
	path := filepath.Join(t.TempDir(), "duplex.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Broker.Addresses != "kafka-1:9092,kafka-2:9092" {
		t.Errorf("broker = %q", cfg.Broker.Addresses)
	}
	if cfg.SystemA.ChannelPrefix != "src_" {
		t.Errorf("system A prefix = %q, want src_", cfg.SystemA.ChannelPrefix)
	}
	if len(cfg.SystemA.Topics) != 1 || cfg.SystemA.Topics[0] != "src_users" {
		t.Errorf("system A topics = %v", cfg.SystemA.Topics)
	}
	// Untouched sections keep their defaults.
	if len(cfg.SystemB.Topics) != 3 {
		t.Errorf("system B topics = %v, want the three defaults", cfg.SystemB.Topics)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialDelay != 2*time.Second {
		t.Errorf("retry policy = %+v", cfg.Retry)
	}
	if cfg.DeadLetterTopic != "sync-dlq" {
		t.Errorf("dead letter topic = %q", cfg.DeadLetterTopic)
	}
	if cfg.Ledger.RetentionDays != 7 || cfg.Ledger.PruneInterval != 30*time.Minute {
		t.Errorf("ledger config = %+v", cfg.Ledger)
	}
	if !cfg.Dedup.Enabled || cfg.Dedup.Redis.Addr != "redis:6379" {
		t.Errorf("dedup config = %+v", cfg.Dedup)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/duplex.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"empty broker", func(c *Config) { c.Broker.Addresses = "" }, true},
		{"no system A topics", func(c *Config) { c.SystemA.Topics = nil }, true},
		{"no system B topics", func(c *Config) { c.SystemB.Topics = nil }, true},
		{"empty consumer group", func(c *Config) { c.SystemA.ConsumerGroup = "" }, true},
		{"shared consumer group", func(c *Config) { c.SystemB.ConsumerGroup = c.SystemA.ConsumerGroup }, true},
		{"empty dead letter topic", func(c *Config) { c.DeadLetterTopic = "" }, true},
		{"zero max attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }, true},
		{"zero initial delay", func(c *Config) { c.Retry.InitialDelay = 0 }, true},
		{"max delay below initial", func(c *Config) { c.Retry.MaxDelay = c.Retry.InitialDelay / 2 }, true},
		{"zero retention days", func(c *Config) { c.Ledger.RetentionDays = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
