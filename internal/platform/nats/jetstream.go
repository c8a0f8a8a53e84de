package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration
	MaxBytes    int64
	Replicas    int
	Description string
}

// DeadLetterStreamConfig returns the stream that mirrors dead-letter
// messages. Limits retention so the mirror never grows unbounded; the
// Kafka topic remains the durable record.
func DeadLetterStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "DUPLEX_DEAD_LETTERS",
		Subjects:    []string{"duplex.dlq.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1 * 1024 * 1024 * 1024, // 1GB
		Replicas:    1,
		Description: "Mirror of permanently-failed sync events",
	}
}

// EnsureStream creates or updates a JetStream stream. Idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// DeadLetterSubject returns the mirror subject for one entity type.
// Format: duplex.dlq.<entity_type>
func DeadLetterSubject(entityType string) string {
	return fmt.Sprintf("duplex.dlq.%s", entityType)
}
