// Command duplex runs the bidirectional synchronization engine.
//
// Two independent pipelines consume each store's capture stream and replay
// it into the other store: A-to-B and B-to-A. Each pipeline is strictly
// sequential; convergence, loop prevention, and idempotency come from the
// provenance tag and the ledger tables, not from coordination between the
// two directions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relaystack/duplex/internal/config"
	"github.com/relaystack/duplex/internal/pipeline"
	"github.com/relaystack/duplex/internal/platform/kafka"
	pnats "github.com/relaystack/duplex/internal/platform/nats"
	"github.com/relaystack/duplex/internal/platform/storage"
	"github.com/relaystack/duplex/internal/retry"
	synce "github.com/relaystack/duplex/internal/sync"
	"github.com/relaystack/duplex/internal/transform"
	"github.com/relaystack/duplex/internal/writer"
)

func main() {
	configPath := flag.String("config", getEnv("DUPLEX_CONFIG", ""), "Path to YAML configuration file")
	brokerOverride := flag.String("broker", getEnv("BROKER_ENDPOINT", ""), "Override broker endpoint(s), comma-separated")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *brokerOverride != "" {
		cfg.Broker.Addresses = *brokerOverride
	}

	logger.Info("starting duplex",
		"broker", cfg.Broker.Addresses,
		"a_topics", cfg.SystemA.Topics,
		"b_topics", cfg.SystemB.Topics,
		"dead_letter_topic", cfg.DeadLetterTopic,
		"retry_max_attempts", cfg.Retry.MaxAttempts,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("duplex failed", "error", err)
		os.Exit(1)
	}

	logger.Info("duplex shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Startup failures here are fatal: nothing may be consumed until both
	// stores and the transport are reachable.
	if err := ensureTopics(ctx, cfg); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	dbA, err := storage.New(ctx, cfg.SystemA.Store)
	if err != nil {
		return fmt.Errorf("connect system A store: %w", err)
	}
	defer dbA.Close()

	dbB, err := storage.New(ctx, cfg.SystemB.Store)
	if err != nil {
		return fmt.Errorf("connect system B store: %w", err)
	}
	defer dbB.Close()

	if err := dbA.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate system A store: %w", err)
	}
	if err := dbB.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate system B store: %w", err)
	}

	ledgerA := storage.NewLedger(dbA)
	ledgerB := storage.NewLedger(dbB)

	var natsClient *pnats.Client
	if cfg.NATS.Enabled {
		natsClient, err = pnats.Connect(ctx, cfg.NATS.Client)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer natsClient.Close()

		if _, err := pnats.EnsureStream(ctx, natsClient.JetStream(), pnats.DeadLetterStreamConfig()); err != nil {
			return fmt.Errorf("ensure dead-letter stream: %w", err)
		}
		logger.Info("dead-letter NATS mirror enabled", "url", cfg.NATS.Client.URL)
	}

	producer, err := newProducer(cfg.Broker.Addresses)
	if err != nil {
		return fmt.Errorf("create dead-letter producer: %w", err)
	}
	defer producer.Close()

	dlq := retry.NewDeadLetterPublisher(producer, cfg.DeadLetterTopic, natsClient, logger)
	defer func() {
		if err := dlq.Flush(context.Background()); err != nil {
			logger.Error("dead-letter flush error", "error", err)
		}
	}()

	var cache *storage.DedupCache
	if cfg.Dedup.Enabled {
		redisCfg := cfg.Dedup.Redis
		if redisCfg.TTL == 0 {
			redisCfg.TTL = cfg.RetentionWindow()
		}
		cache, err = storage.NewDedupCache(redisCfg, logger)
		if err != nil {
			return fmt.Errorf("connect dedup cache: %w", err)
		}
		defer cache.Close()
		logger.Info("dedup cache enabled", "addr", redisCfg.Addr)
	}

	aToB, err := buildPipeline(cfg, directionWiring{
		name:         "a-to-b",
		source:       synce.ProvenanceSystemA,
		sourceSystem: cfg.SystemA,
		targetSystem: cfg.SystemB,
		targetDB:     dbB,
		targetLedger: ledgerB,
		sourceLedger: ledgerA,
		targetTag:    synce.ProvenanceSystemB,
	}, dlq, cache, logger)
	if err != nil {
		return fmt.Errorf("build a-to-b pipeline: %w", err)
	}

	bToA, err := buildPipeline(cfg, directionWiring{
		name:         "b-to-a",
		source:       synce.ProvenanceSystemB,
		sourceSystem: cfg.SystemB,
		targetSystem: cfg.SystemA,
		targetDB:     dbA,
		targetLedger: ledgerA,
		sourceLedger: ledgerB,
		targetTag:    synce.ProvenanceSystemA,
	}, dlq, cache, logger)
	if err != nil {
		return fmt.Errorf("build b-to-a pipeline: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	for _, p := range []*pipeline.Pipeline{aToB, bToA} {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && err != context.Canceled {
				errCh <- err
			}
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runJanitor(ctx, cfg, []*storage.Ledger{ledgerA, ledgerB}, logger)
	}()

	logger.Info("duplex running, both pipelines active")

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// directionWiring gathers everything one direction needs. The source
// store's ledger rides along as a read-only fallback: a record first
// synced by the opposite direction is mapped only there, so both the
// transformer and the writer consult it after a target-ledger miss.
type directionWiring struct {
	name         string
	source       synce.Provenance
	sourceSystem config.SystemConfig
	targetSystem config.SystemConfig
	targetDB     *storage.DB
	targetLedger *storage.Ledger
	sourceLedger *storage.Ledger
	targetTag    synce.Provenance
}

func buildPipeline(cfg *config.Config, d directionWiring, dlq *retry.DeadLetterPublisher, cache *storage.DedupCache, logger *slog.Logger) (*pipeline.Pipeline, error) {
	lookup := transform.FallbackLookup{Primary: d.targetLedger, Secondary: d.sourceLedger}
	registry := transform.NewRegistry(lookup)

	w := writer.New(d.targetDB, d.targetLedger, d.sourceLedger, writer.TargetDescriptor{
		System:      d.targetTag,
		TablePrefix: d.targetSystem.ChannelPrefix,
	}, logger)

	executor := retry.NewExecutor(cfg.Retry, dlq, logger.With("pipeline", d.name))

	pipeCfg := pipeline.Config{
		Brokers: cfg.Broker.Addresses,
		Direction: pipeline.Direction{
			Name:          d.name,
			Source:        d.source,
			Topics:        d.sourceSystem.Topics,
			ConsumerGroup: d.sourceSystem.ConsumerGroup,
			SourcePrefix:  d.sourceSystem.ChannelPrefix,
		},
	}

	// The nil-interface dance: a nil *DedupCache must stay a nil
	// interface inside the pipeline.
	var pipeCache pipeline.DedupCache
	if cache != nil {
		pipeCache = cache
	}

	return pipeline.New(pipeCfg, d.targetLedger, registry, w, executor, dlq, pipeCache, logger)
}

func ensureTopics(ctx context.Context, cfg *config.Config) error {
	manager, err := kafka.NewTopicManager(cfg.Broker.Addresses)
	if err != nil {
		return err
	}
	defer manager.Close()

	var topics []kafka.TopicConfig
	for _, t := range cfg.SystemA.Topics {
		topics = append(topics, kafka.ChannelTopicConfig(t))
	}
	for _, t := range cfg.SystemB.Topics {
		topics = append(topics, kafka.ChannelTopicConfig(t))
	}
	topics = append(topics, kafka.DeadLetterTopicConfig(cfg.DeadLetterTopic))

	return manager.EnsureTopics(ctx, topics)
}

func newProducer(brokers string) (*kgo.Client, error) {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
}

// runJanitor prunes expired processed-event rows on a timer, outside the
// pipelines' hot path.
func runJanitor(ctx context.Context, cfg *config.Config, ledgers []*storage.Ledger, logger *slog.Logger) {
	logger = logger.With("component", "ledger-janitor")

	ticker := time.NewTicker(cfg.Ledger.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.RetentionWindow())
			for _, l := range ledgers {
				pruned, err := l.PruneProcessedBefore(ctx, cutoff)
				if err != nil {
					logger.Error("ledger prune failed", "error", err)
					continue
				}
				if pruned > 0 {
					logger.Info("pruned processed events", "count", pruned, "cutoff", cutoff)
				}
			}
		}
	}
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
