// Command distributor consumes alarm events and fans them out to every
// downstream sink: the History Store, the dashboard websocket hub, a
// Redis pub/sub channel for other services, and the Sync Service's
// push path. It also serves the dashboard-facing HTTP surface: the
// websocket upgrade endpoint, REST reads over alarm history, and the
// acknowledge/resolve actions that close the alarm lifecycle. Wiring
// mirrors the teacher's cmd/server, extended with the extra sinks this
// tier owns.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/alarmconsumer"
	"github.com/firecore/platform/internal/audit"
	"github.com/firecore/platform/internal/devices"
	"github.com/firecore/platform/internal/distributor"
	"github.com/firecore/platform/internal/history"
	"github.com/firecore/platform/internal/hotspot"
	"github.com/firecore/platform/internal/logging"
	"github.com/firecore/platform/internal/protocol"
	"github.com/firecore/platform/internal/queue"
	"github.com/firecore/platform/internal/syncsvc"
	"github.com/firecore/platform/internal/timer"
	"github.com/firecore/platform/internal/websocket"
	"github.com/firecore/platform/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.Must(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	defer logger.Sync()

	logger.Info("starting distributor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to reach redis", zap.Error(err))
	}
	defer redisClient.Close()

	deviceStore := devices.New(redisClient)
	hotspotStore := hotspot.New(redisClient, deviceStore, cfg.Suppression, logger)
	historyStore := history.New(redisClient, cfg.History, logger)
	go historyStore.RunSweeper(ctx)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	timerManager := timer.NewTimerManager(4)
	timerManager.Start()
	defer timerManager.Stop()

	syncService := syncsvc.New(hub, historyStore, redisClient, timerManager, cfg.Sync, logger)
	syncService.StartBroadcastLoop(ctx)

	var auditDB *audit.DB
	if cfg.Audit.Enabled {
		auditDB, err = audit.Connect(cfg.Audit.ConnectionString(), logger)
		if err != nil {
			logger.Fatal("failed to connect to audit database", zap.Error(err))
		}
		defer auditDB.Close()
		if err := auditDB.RunMigrations("migrations"); err != nil {
			logger.Fatal("failed to run audit migrations", zap.Error(err))
		}
	} else {
		logger.Info("audit logging disabled")
	}

	sinks := []distributor.Sink{
		distributor.NewHistorySink(historyStore),
		distributor.NewWebsocketSink(hub),
		distributor.NewPubSubSink(redisClient),
		distributor.NewSyncSink(syncService.PushAlarm),
	}
	dist := distributor.New(sinks, cfg.Distributor, logger)

	var auditRecorder alarmconsumer.AuditRecorder
	if auditDB != nil {
		auditRecorder = auditDB
	}
	consumer := alarmconsumer.New(hotspotStore, dist, auditRecorder, logger)

	alarmConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlarmEvents, "distributor")
	defer alarmConsumer.Close()

	go func() {
		for {
			msg, err := alarmConsumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("alarm consume failed", zap.Error(err))
				continue
			}
			alarm, err := protocol.DecodeAlarmEvent(msg.Value)
			if err != nil {
				logger.Warn("dropping malformed alarm event", zap.Error(err))
				continue
			}
			consumer.Handle(ctx, alarm)
			if err := alarmConsumer.Commit(ctx, msg); err != nil {
				logger.Error("commit failed", zap.Error(err))
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWS(hub, logger, w, r)
	})
	registerRESTRoutes(mux, consumer, historyStore, syncService, logger)

	httpAddr := ":" + strconv.Itoa(cfg.Websocket.Port)
	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		logger.Info("distributor http server listening", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	waitForShutdown(logger)
	cancel()
	_ = srv.Close()
}

func registerRESTRoutes(mux *http.ServeMux, consumer *alarmconsumer.Consumer, historyStore *history.Store, syncService *syncsvc.Service, logger *zap.Logger) {
	mux.HandleFunc("/alarms/recent", func(w http.ResponseWriter, r *http.Request) {
		n := int64(50)
		if raw := r.URL.Query().Get("n"); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				n = v
			}
		}
		alarms, degraded, err := historyStore.Recent(r.Context(), n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if degraded {
			w.Header().Set(degradedHistoryHeader, "true")
		}
		writeJSON(w, logger, alarms)
	})

	mux.HandleFunc("/alarms/active/", func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Path[len("/alarms/active/"):]
		active, ok := consumer.Active(deviceID)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, logger, active)
	})

	mux.HandleFunc("/alarms/acknowledge", func(w http.ResponseWriter, r *http.Request) {
		handleLifecycleAction(w, r, logger, consumer.Acknowledge)
	})

	mux.HandleFunc("/alarms/resolve", func(w http.ResponseWriter, r *http.Request) {
		handleLifecycleAction(w, r, logger, consumer.Resolve)
	})

	mux.HandleFunc("/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}
		snap, err := syncService.Snapshot(r.Context(), clientID, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if snap.Degraded {
			w.Header().Set(degradedHistoryHeader, "true")
		}
		writeJSON(w, logger, snap)
	})

	mux.HandleFunc("/sync/delta", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}
		snap, err := syncService.Delta(r.Context(), clientID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if snap.Degraded {
			w.Header().Set(degradedHistoryHeader, "true")
		}
		writeJSON(w, logger, snap)
	})
}

// degradedHistoryHeader flags a 200 response whose alarm data was
// served from the History Store's in-memory ring fallback rather than
// Redis, per spec.md §7: a transient Redis outage degrades freshness,
// it doesn't make history unavailable, so these reads don't fail with
// a real 503.
const degradedHistoryHeader = "X-History-Degraded"

type lifecycleRequest struct {
	DeviceID string `json:"device_id"`
	ActorID  string `json:"actor_id"`
}

func handleLifecycleAction(w http.ResponseWriter, r *http.Request, logger *zap.Logger, action func(deviceID, actorID string) bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !action(req.DeviceID, req.ActorID) {
		http.Error(w, "no active alarm for device", http.StatusNotFound)
		return
	}
	writeJSON(w, logger, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode json response", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down distributor")
}
