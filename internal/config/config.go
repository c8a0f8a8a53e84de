// Package config loads the engine configuration from YAML with defaults
// and basic validation. Configuration errors are fatal at startup, before
// any message is consumed.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pnats "github.com/relaystack/duplex/internal/platform/nats"
	"github.com/relaystack/duplex/internal/platform/storage"
	"github.com/relaystack/duplex/internal/retry"
)

// Config is the full engine configuration.
type Config struct {
	// Broker holds the transport endpoints.
	Broker BrokerConfig `yaml:"broker"`

	// SystemA and SystemB describe the two synchronized stores and their
	// capture channels.
	SystemA SystemConfig `yaml:"system_a"`
	SystemB SystemConfig `yaml:"system_b"`

	// Retry bounds the per-event retry budget.
	Retry retry.Policy `yaml:"retry"`

	// DeadLetterTopic is the terminal sink for failed events.
	DeadLetterTopic string `yaml:"dead_letter_topic"`

	// Ledger controls processed-event retention.
	Ledger LedgerConfig `yaml:"ledger"`

	// Dedup optionally enables the Redis cache in front of the ledger.
	Dedup DedupConfig `yaml:"dedup"`

	// NATS optionally enables the dead-letter JetStream mirror.
	NATS NATSConfig `yaml:"nats"`
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	// Addresses is a comma-separated broker list.
	Addresses string `yaml:"addresses"`
}

// SystemConfig describes one store and its capture stream.
type SystemConfig struct {
	// Store is the database this system's records live in. The ledger
	// tables for writes INTO this system live here too.
	Store storage.Config `yaml:"store"`

	// ChannelPrefix is the per-system table-name prefix (e.g. "a_").
	ChannelPrefix string `yaml:"channel_prefix"`

	// Topics are the capture channels this system's agent publishes to.
	Topics []string `yaml:"topics"`

	// ConsumerGroup identifies the pipeline consuming this stream.
	ConsumerGroup string `yaml:"consumer_group"`
}

// LedgerConfig controls processed-event retention.
type LedgerConfig struct {
	// RetentionDays is how long processed-event rows are kept before the
	// janitor prunes them.
	RetentionDays int `yaml:"retention_days"`

	// PruneInterval is how often the janitor runs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DedupConfig wraps the optional Redis cache settings.
type DedupConfig struct {
	Enabled bool                `yaml:"enabled"`
	Redis   storage.RedisConfig `yaml:"redis"`
}

// NATSConfig wraps the optional dead-letter mirror settings.
type NATSConfig struct {
	Enabled bool         `yaml:"enabled"`
	Client  pnats.Config `yaml:"client"`
}

// Default returns the development configuration.
func Default() Config {
	storeA := storage.DefaultConfig()
	storeA.Database = "system_a"
	storeB := storage.DefaultConfig()
	storeB.Database = "system_b"

	return Config{
		Broker: BrokerConfig{Addresses: "localhost:9092"},
		SystemA: SystemConfig{
			Store:         storeA,
			ChannelPrefix: "a_",
			Topics:        []string{"a_users", "a_posts", "a_likes"},
			ConsumerGroup: "duplex-a-to-b",
		},
		SystemB: SystemConfig{
			Store:         storeB,
			ChannelPrefix: "b_",
			Topics:        []string{"b_users", "b_posts", "b_likes"},
			ConsumerGroup: "duplex-b-to-a",
		},
		Retry:           retry.DefaultPolicy(),
		DeadLetterTopic: "duplex-dead-letters",
		Ledger: LedgerConfig{
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
		Dedup: DedupConfig{
			Redis: storage.RedisConfig{
				Addr: "localhost:6379",
				TTL:  30 * 24 * time.Hour,
			},
		},
		NATS: NATSConfig{
			Client: pnats.DefaultConfig(),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults
// unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the invariants a running engine depends on.
func (c *Config) Validate() error {
	if c.Broker.Addresses == "" {
		return fmt.Errorf("broker addresses must not be empty")
	}
	if len(c.SystemA.Topics) == 0 {
		return fmt.Errorf("system_a topics must not be empty")
	}
	if len(c.SystemB.Topics) == 0 {
		return fmt.Errorf("system_b topics must not be empty")
	}
	if c.SystemA.ConsumerGroup == "" || c.SystemB.ConsumerGroup == "" {
		return fmt.Errorf("consumer groups must not be empty")
	}
	if c.SystemA.ConsumerGroup == c.SystemB.ConsumerGroup {
		return fmt.Errorf("the two directions must use distinct consumer groups")
	}
	if c.DeadLetterTopic == "" {
		return fmt.Errorf("dead letter topic must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Ledger.RetentionDays < 1 {
		return fmt.Errorf("ledger retention_days must be at least 1")
	}
	return nil
}

// RetentionWindow returns the ledger retention as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}
