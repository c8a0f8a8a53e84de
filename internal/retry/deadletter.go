package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	pnats "github.com/relaystack/duplex/internal/platform/nats"
	synce "github.com/relaystack/duplex/internal/sync"
)

// DeadLetterMessage is the wire shape on the dead-letter channel. One
// message per permanently-failed event. OriginalEvent is the canonical
// event as JSON; for messages that never decoded into a valid event it
// carries the raw transport payload instead.
type DeadLetterMessage struct {
	OriginalEvent json.RawMessage `json:"original_event"`
	ErrorMessage  string          `json:"error_message"`
	ErrorKind     string          `json:"error_kind"`
	RetryCount    int             `json:"retry_count"`
	FailedAt      string          `json:"failed_at"`
}

// DeadLetterPublisher emits failed events to a Kafka topic and, when a
// NATS client is supplied, mirrors each message to a JetStream subject for
// ops tooling. The producer is an explicitly owned resource: callers
// construct it, pass it in, and Close it on shutdown.
type DeadLetterPublisher struct {
	producer *kgo.Client
	topic    string
	nats     *pnats.Client
	logger   *slog.Logger
}

// NewDeadLetterPublisher wraps an existing producer. nats may be nil.
func NewDeadLetterPublisher(producer *kgo.Client, topic string, nats *pnats.Client, logger *slog.Logger) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterPublisher{
		producer: producer,
		topic:    topic,
		nats:     nats,
		logger:   logger.With("component", "dead-letter"),
	}
}

// Publish emits one dead-letter message. The Kafka produce is synchronous;
// the NATS mirror is best-effort.
func (p *DeadLetterPublisher) Publish(ctx context.Context, ev *synce.Event, failure Failure) error {
	original, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal original event: %w", err)
	}

	return p.publish(ctx, publishParams{
		original:   original,
		key:        ev.EntityType + ":" + ev.PrimaryKey,
		eventID:    ev.EventID,
		entityType: ev.EntityType,
		failure:    failure,
	})
}

// PublishMalformed dead-letters a transport message that never became a
// valid event. The raw payload stands in for the canonical event.
func (p *DeadLetterPublisher) PublishMalformed(ctx context.Context, raw []byte, channel string, failure Failure) error {
	original := json.RawMessage(raw)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return fmt.Errorf("encode raw payload: %w", err)
		}
		original = quoted
	}

	return p.publish(ctx, publishParams{
		original:   original,
		key:        channel,
		entityType: channel,
		failure:    failure,
	})
}

type publishParams struct {
	original   json.RawMessage
	key        string
	eventID    string
	entityType string
	failure    Failure
}

func (p *DeadLetterPublisher) publish(ctx context.Context, params publishParams) error {
	msg := DeadLetterMessage{
		OriginalEvent: params.original,
		ErrorMessage:  params.failure.Message,
		ErrorKind:     params.failure.Kind,
		RetryCount:    params.failure.RetryCount,
		FailedAt:      params.failure.FailedAt.UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead-letter message: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(params.key),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(params.eventID)},
			{Key: "entity_type", Value: []byte(params.entityType)},
			{Key: "error_kind", Value: []byte(params.failure.Kind)},
		},
	}

	results := p.producer.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce dead-letter message: %w", err)
	}

	if p.nats != nil {
		subject := pnats.DeadLetterSubject(params.entityType)
		if _, err := p.nats.JetStream().Publish(ctx, subject, data); err != nil {
			p.logger.Warn("dead-letter NATS mirror failed",
				"event_id", params.eventID,
				"subject", subject,
				"error", err,
			)
		}
	}

	p.logger.Info("event dead-lettered",
		"event_id", params.eventID,
		"entity_type", params.entityType,
		"error_kind", params.failure.Kind,
		"retry_count", params.failure.RetryCount,
	)

	return nil
}

// Flush drains buffered produce requests; called once on shutdown.
func (p *DeadLetterPublisher) Flush(ctx context.Context) error {
	return p.producer.Flush(ctx)
}
