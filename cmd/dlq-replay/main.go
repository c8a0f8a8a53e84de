// Command dlq-replay inspects the dead-letter channel and optionally
// replays failed events back onto their origin capture channel.
//
// Listing prints one line per dead-lettered event. Replay rebuilds a
// flattened capture message from the stored original event and produces it
// to the origin channel, where the pipeline picks it up like any other
// capture-agent message; the idempotency ledger absorbs any half-applied
// state from the original failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relaystack/duplex/internal/retry"
	synce "github.com/relaystack/duplex/internal/sync"
)

func main() {
	broker := flag.String("broker", getEnv("BROKER_ENDPOINT", "localhost:9092"), "Kafka broker endpoint")
	topic := flag.String("topic", getEnv("DLQ_TOPIC", "duplex-dead-letters"), "Dead-letter topic to read")
	replay := flag.Bool("replay", false, "Re-publish events to their origin channel instead of only listing")
	limit := flag.Int("limit", 0, "Stop after this many messages (0 = run until idle)")
	idleTimeout := flag.Duration("idle-timeout", 5*time.Second, "Exit after no messages for this long")
	prefixA := flag.String("a-prefix", "a_", "System A channel prefix")
	prefixB := flag.String("b-prefix", "b_", "System B channel prefix")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, *broker, *topic, *replay, *limit, *idleTimeout, *prefixA, *prefixB); err != nil {
		logger.Error("dlq-replay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, broker, topic string, replay bool, limit int, idleTimeout time.Duration, prefixA, prefixB string) error {
	brokerList := strings.Split(broker, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer consumer.Close()

	var producer *kgo.Client
	if replay {
		producer, err = kgo.NewClient(
			kgo.SeedBrokers(brokerList...),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		defer producer.Close()
	}

	seen := 0
	for {
		pollCtx, pollCancel := context.WithTimeout(ctx, idleTimeout)
		fetches := consumer.PollFetches(pollCtx)
		pollCancel()

		if ctx.Err() != nil {
			return nil
		}
		if fetches.Empty() {
			// Idle: the topic is drained.
			return nil
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			var msg retry.DeadLetterMessage
			if err := json.Unmarshal(record.Value, &msg); err != nil {
				slog.Warn("skipping undecodable dead-letter message", "offset", record.Offset, "error", err)
				continue
			}

			var ev synce.Event
			replayable := json.Unmarshal(msg.OriginalEvent, &ev) == nil && ev.EntityType != ""

			fmt.Printf("offset=%d event_id=%s entity=%s op=%s kind=%s retries=%d failed_at=%s error=%q\n",
				record.Offset, ev.EventID, ev.EntityType, ev.Operation,
				msg.ErrorKind, msg.RetryCount, msg.FailedAt, msg.ErrorMessage,
			)

			if replay {
				if !replayable {
					slog.Warn("message has no replayable original event", "offset", record.Offset)
				} else if err := replayEvent(ctx, producer, &ev, prefixA, prefixB); err != nil {
					slog.Error("replay failed", "event_id", ev.EventID, "error", err)
				} else {
					slog.Info("replayed event", "event_id", ev.EventID, "entity_type", ev.EntityType)
				}
			}

			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
	}
}

// replayEvent rebuilds a flattened capture message from the canonical
// event and produces it to the origin channel.
func replayEvent(ctx context.Context, producer *kgo.Client, ev *synce.Event, prefixA, prefixB string) error {
	var prefix string
	switch ev.Provenance {
	case synce.ProvenanceSystemA:
		prefix = prefixA
	case synce.ProvenanceSystemB:
		prefix = prefixB
	default:
		return fmt.Errorf("event provenance %q is not replayable", ev.Provenance)
	}

	flat := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		flat[k] = v
	}
	flat["op"] = opCode(ev.Operation)
	// Keep the original identity so the ledger recognizes the replay.
	flat["event_id"] = ev.EventID

	data, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("marshal replay message: %w", err)
	}

	channel := prefix + ev.EntityType
	results := producer.ProduceSync(ctx, &kgo.Record{
		Topic: channel,
		Key:   []byte(ev.PrimaryKey),
		Value: data,
	})
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", channel, err)
	}
	return nil
}

func opCode(op synce.Operation) string {
	switch op {
	case synce.OpUpdate:
		return "u"
	case synce.OpDelete:
		return "d"
	}
	return "c"
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
