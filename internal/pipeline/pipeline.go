// Package pipeline wires the decode, guard, dedup, transform, write, and
// retry stages into one direction of the synchronization engine. Each
// direction is an independent, long-lived worker; within a direction,
// messages are processed strictly one at a time so per-entity capture
// order is preserved.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relaystack/duplex/internal/capture"
	"github.com/relaystack/duplex/internal/retry"
	synce "github.com/relaystack/duplex/internal/sync"
	"github.com/relaystack/duplex/internal/transform"
	"github.com/relaystack/duplex/internal/writer"
)

// Direction describes one side of the bidirectional engine.
type Direction struct {
	// Name labels logs, e.g. "a-to-b".
	Name string

	// Source is the system whose capture stream this pipeline consumes.
	Source synce.Provenance

	// Topics are the per-table capture channels to consume.
	Topics []string

	// ConsumerGroup is this direction's transport consumer identity.
	ConsumerGroup string

	// SourcePrefix is stripped from channel names to derive entity types
	// (e.g. "a_").
	SourcePrefix string
}

// Ledger is the dedup lookup the pipeline needs before attempting a write.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// Transformer maps an event payload into the target schema.
type Transformer interface {
	Transform(ctx context.Context, ev *synce.Event) (transform.Record, error)
}

// Store applies a transformed record to the target store.
type Store interface {
	Write(ctx context.Context, ev *synce.Event, rec transform.Record) (writer.WriteResult, error)
}

// DedupCache is the optional fast path in front of the ledger.
type DedupCache interface {
	Seen(ctx context.Context, eventID string) bool
	Record(ctx context.Context, eventID string)
}

// MalformedPublisher dead-letters messages that never became valid events.
type MalformedPublisher interface {
	PublishMalformed(ctx context.Context, raw []byte, channel string, failure retry.Failure) error
}

// Config holds pipeline construction parameters.
type Config struct {
	Brokers   string
	Direction Direction
}

// Pipeline consumes one capture stream and replays it into the other
// store.
type Pipeline struct {
	cfg      Config
	consumer *kgo.Client
	decoder  *capture.Decoder

	ledger      Ledger
	transformer Transformer
	store       Store
	executor    *retry.Executor
	cache       DedupCache // may be nil
	malformed   MalformedPublisher
	logger      *slog.Logger

	mu           sync.Mutex
	processed    uint64
	skipped      uint64
	deadLettered uint64
}

// New connects the consumer and assembles the pipeline. Auto-commit is
// disabled: an offset is committed only once its event reaches a terminal
// state.
func New(cfg Config, ledger Ledger, transformer Transformer, store Store, executor *retry.Executor, malformed MalformedPublisher, cache DedupCache, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pipeline", cfg.Direction.Name)

	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.ConsumerGroup(cfg.Direction.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Direction.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	logger.Info("pipeline connected to broker",
		"brokers", cfg.Brokers,
		"topics", cfg.Direction.Topics,
		"consumer_group", cfg.Direction.ConsumerGroup,
	)

	return &Pipeline{
		cfg:         cfg,
		consumer:    consumer,
		decoder:     capture.NewDecoder(cfg.Direction.SourcePrefix, logger),
		ledger:      ledger,
		transformer: transformer,
		store:       store,
		executor:    executor,
		cache:       cache,
		malformed:   malformed,
		logger:      logger,
	}, nil
}

// Run consumes until ctx is cancelled. On shutdown the in-flight event is
// finished (its write, ledger entry, and offset commit are one unit) and
// polling stops; an event mid-backoff is abandoned uncommitted so the
// transport redelivers it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started")

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		default:
		}

		fetches := p.consumer.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if errors.Is(e.Err, context.Canceled) {
					continue
				}
				p.logger.Error("fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
			continue
		}

		// Strictly sequential: one record to a terminal state, then its
		// offset, then the next record.
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			terminal := p.handleRecord(ctx, record)
			if !terminal {
				return p.shutdown()
			}

			if err := p.consumer.CommitRecords(context.Background(), record); err != nil {
				p.logger.Error("offset commit failed",
					"topic", record.Topic,
					"offset", record.Offset,
					"error", err,
				)
			}
		}
	}
}

// handleRecord drives one transport record to a terminal state. Returns
// false only when shutdown interrupted processing before a terminal state
// was reached; the offset must then not be committed.
func (p *Pipeline) handleRecord(ctx context.Context, record *kgo.Record) bool {
	start := time.Now()

	ev, err := p.decoder.Decode(record.Value, record.Topic, record.Partition, record.Offset)
	if err != nil {
		// Never a valid event, so it skips the retry machine entirely.
		p.deadLetterMalformed(ctx, record, err)
		return true
	}

	if synce.ShouldSkip(ev) {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		p.logger.Debug("skipping self-origin event",
			"event_id", ev.EventID,
			"entity_type", ev.EntityType,
		)
		return true
	}

	if p.cache != nil && p.cache.Seen(ctx, ev.EventID) {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		p.logger.Debug("duplicate event absorbed by cache", "event_id", ev.EventID)
		return true
	}

	outcome := p.executor.Execute(ctx, ev, func(ctx context.Context) error {
		return p.processOnce(ctx, ev)
	})

	switch outcome.State {
	case retry.StateDone:
		if p.cache != nil {
			p.cache.Record(ctx, ev.EventID)
		}
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
		p.logger.Info("event done",
			"event_id", ev.EventID,
			"entity_type", ev.EntityType,
			"operation", string(ev.Operation),
			"attempts", outcome.Attempts,
			"elapsed", time.Since(start),
		)
		return true

	case retry.StateDeadLettered:
		p.mu.Lock()
		p.deadLettered++
		p.mu.Unlock()
		p.logger.Warn("event dead-lettered",
			"event_id", ev.EventID,
			"entity_type", ev.EntityType,
			"operation", string(ev.Operation),
			"attempts", outcome.Attempts,
			"elapsed", time.Since(start),
			"error", outcome.Err,
		)
		return true
	}

	// Aborted: shutdown during backoff.
	p.logger.Info("in-flight event abandoned for redelivery",
		"event_id", ev.EventID,
		"attempts", outcome.Attempts,
	)
	return false
}

// processOnce is one attempt: dedup check, transform, write. The dedup
// check runs inside the attempt so a transient ledger failure gets the
// retry budget too.
func (p *Pipeline) processOnce(ctx context.Context, ev *synce.Event) error {
	done, err := p.ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if done {
		p.logger.Debug("event already processed", "event_id", ev.EventID)
		return nil
	}

	rec, err := p.transformer.Transform(ctx, ev)
	if err != nil {
		return err
	}

	result, err := p.store.Write(ctx, ev, rec)
	if err != nil {
		return err
	}

	p.logger.Debug("wrote event",
		"event_id", ev.EventID,
		"entity_type", ev.EntityType,
		"target_id", result.TargetID,
		"created", result.Created,
		"sequence_repaired", result.SequenceRepaired,
	)
	return nil
}

func (p *Pipeline) deadLetterMalformed(ctx context.Context, record *kgo.Record, cause error) {
	p.mu.Lock()
	p.deadLettered++
	p.mu.Unlock()

	failure := retry.Failure{
		Message:    cause.Error(),
		Kind:       synce.Kind(cause),
		RetryCount: 0,
		FailedAt:   time.Now().UTC(),
	}

	if err := p.malformed.PublishMalformed(ctx, record.Value, record.Topic, failure); err != nil {
		p.logger.Error("dead-letter publish failed for malformed message",
			"topic", record.Topic,
			"offset", record.Offset,
			"error", err,
		)
	}

	p.logger.Warn("malformed message dead-lettered",
		"topic", record.Topic,
		"offset", record.Offset,
		"error", cause,
	)
}

// Stats returns processing counters.
func (p *Pipeline) Stats() (processed, skipped, deadLettered uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.skipped, p.deadLettered
}

func (p *Pipeline) shutdown() error {
	p.logger.Info("shutting down pipeline")

	// Offsets are committed per record as events reach terminal states, so
	// there is nothing safe to commit here: anything uncommitted was polled
	// but never finished, and must redeliver after restart.
	p.consumer.Close()

	p.mu.Lock()
	p.logger.Info("pipeline shutdown complete",
		"processed", p.processed,
		"skipped", p.skipped,
		"dead_lettered", p.deadLettered,
	)
	p.mu.Unlock()

	return nil
}
