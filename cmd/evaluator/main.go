// Command evaluator consumes pre-filtered sensor readings, matches them
// against the rule store, deduplicates repeat breaches, and emits
// alarm events. Two consumer groups drive it, each reading the whole
// sensor-data topic independently: a normal group that handles messages
// one by one at higher concurrency, and a backpressure group that
// batches readings into the same evaluation path, mirroring the
// teacher's dbwriter split between a low-latency path and a batched one.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/dedup"
	"github.com/firecore/platform/internal/evaluator"
	"github.com/firecore/platform/internal/ids"
	"github.com/firecore/platform/internal/logging"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/producer"
	"github.com/firecore/platform/internal/protocol"
	"github.com/firecore/platform/internal/queue"
	"github.com/firecore/platform/internal/rules"
	"github.com/firecore/platform/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.Must(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	defer logger.Sync()

	logger.Info("starting evaluator")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to reach redis", zap.Error(err))
	}
	defer redisClient.Close()

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlarmEvents, cfg.Kafka.NumPartitions, 1); err != nil {
		logger.Warn("alarm-events topic creation skipped (may already exist)", zap.Error(err))
	}

	ruleStore := rules.New(redisClient, logger)

	eval := evaluator.New(ruleStore, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eval.Refresh(ctx); err != nil {
		logger.Warn("initial rule snapshot load failed, starting with empty ruleset", zap.Error(err))
	}
	go eval.Watch(ctx)
	go eval.WatchThresholds(ctx)

	deduplicator := dedup.New(redisClient, cfg.Dedup, logger)

	allocator, err := ids.New(cfg.ID.NodeID)
	if err != nil {
		logger.Fatal("failed to build id allocator", zap.Error(err))
	}

	alarmProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlarmEvents, logger)
	defer alarmProducer.Close()

	emitter := producer.New(allocator, alarmProducer, logger)

	handle := func(ctx context.Context, msg kafka.Message) error {
		return evaluateMessage(ctx, msg, eval, deduplicator, emitter, logger)
	}

	normalConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSensorData, cfg.Kafka.ConsumerNormalGroup)
	defer normalConsumer.Close()
	go queue.RunSingle(ctx, normalConsumer, cfg.Kafka.NormalConcurrency, handle, logger)

	backpressureConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSensorData, cfg.Kafka.ConsumerBackpressureGroup)
	defer backpressureConsumer.Close()

	batchHandle := func(ctx context.Context, msgs []kafka.Message) error {
		for _, msg := range msgs {
			if err := evaluateMessage(ctx, msg, eval, deduplicator, emitter, logger); err != nil {
				return err
			}
		}
		return nil
	}
	batchWriter := queue.NewBatchWriter(backpressureConsumer, cfg.Kafka.BackpressureBatchSize, cfg.Kafka.BackpressureFlushInterval, batchHandle, logger)
	go batchWriter.Run(ctx)

	logger.Info("evaluator running",
		zap.String("normal_group", cfg.Kafka.ConsumerNormalGroup),
		zap.String("backpressure_group", cfg.Kafka.ConsumerBackpressureGroup))

	waitForShutdown(logger)
	cancel()
}

// evaluateMessage decodes one sensor-data envelope, matches it against
// the current rule snapshot, deduplicates repeat breaches within the
// fingerprint's window, and emits an alarm event for anything new.
func evaluateMessage(ctx context.Context, msg kafka.Message, eval *evaluator.Evaluator, deduplicator *dedup.Deduplicator, emitter *producer.Producer, logger *zap.Logger) error {
	envelope, err := protocol.DecodeSensorEnvelope(msg.Value)
	if err != nil {
		logger.Warn("dropping malformed sensor envelope", zap.Error(err))
		return nil
	}

	for _, candidate := range eval.Evaluate(envelope.Reading) {
		fp := model.Fingerprint{RuleID: candidate.Rule.ID, DeviceID: candidate.Reading.DeviceID, SensorType: candidate.Reading.SensorType}
		if !deduplicator.IsNew(ctx, fp) {
			continue
		}
		if _, err := emitter.Emit(ctx, candidate); err != nil {
			logger.Error("failed to emit alarm event", zap.String("rule_id", candidate.Rule.ID), zap.Error(err))
			return err
		}
	}
	return nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down evaluator")
}
