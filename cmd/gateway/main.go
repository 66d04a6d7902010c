// Command gateway runs the ingest edge: accepts authenticated device
// connections, pre-filters trivial readings, and publishes forwarded
// readings onto the sensor-data topic for the evaluator tier to
// consume. Structured the way the teacher's cmd/server wires its TCP
// server, connection manager and timer manager together.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/auth"
	"github.com/firecore/platform/internal/devices"
	"github.com/firecore/platform/internal/logging"
	"github.com/firecore/platform/internal/prefilter"
	"github.com/firecore/platform/internal/queue"
	"github.com/firecore/platform/internal/session"
	"github.com/firecore/platform/internal/timer"
	"github.com/firecore/platform/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.Must(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	defer logger.Sync()

	logger.Info("starting gateway")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to reach redis", zap.Error(err))
	}
	defer redisClient.Close()

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicSensorData, cfg.Kafka.NumPartitions, 1); err != nil {
		logger.Warn("sensor-data topic creation skipped (may already exist)", zap.Error(err))
	}

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSensorData, logger,
		queue.WithRetry(3, 100*time.Millisecond))
	defer producer.Close()

	deviceStore := devices.New(redisClient)
	validator := auth.New(redisClient, deviceStore,
		time.Duration(cfg.Token.AccessTTLSeconds)*time.Second,
		time.Duration(cfg.Token.RefreshTTLSeconds)*time.Second,
		cfg.Token.EnvelopeSecret,
		logger)

	filter := prefilter.New(cfg.Prefilter)
	sessionManager := session.NewManager(cfg.Session.MaxConnections)

	timerManager := timer.NewTimerManager(10)
	timerManager.Start()
	defer timerManager.Stop()

	srv := session.New(cfg.Session, sessionManager, timerManager, validator, filter, producer, redisClient, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start session server", zap.Error(err))
	}
	defer srv.Stop()

	logger.Info("gateway running", zap.Int("port", cfg.Session.Port))

	go reportStats(sessionManager, filter, logger)

	waitForShutdown(logger)
}

func reportStats(sessionManager *session.Manager, filter *prefilter.Filter, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := sessionManager.Stats()
		filterStats := filter.Stats()
		logger.Info("gateway stats",
			zap.Int("active_sessions", stats.TotalSessions),
			zap.Int("authenticated_sessions", stats.AuthenticatedSessions),
			zap.Int("max_sessions", stats.MaxSessions),
			zap.Int64("packets_total", filterStats.TotalPackets),
			zap.Int64("packets_filtered", filterStats.FilteredPackets))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down gateway")
}
