// Package syncsvc is the Sync Service: a push/pull hybrid that keeps
// dashboard clients current. Pushes ride the websocket hub alongside
// the Distributor's own alarm broadcast; pulls serve a bounded snapshot
// or delta straight from the History Store. Grounded on
// DataSyncService.java.
package syncsvc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/protocol"
	"github.com/firecore/platform/internal/timer"
	"github.com/firecore/platform/pkg/config"
)

const (
	snapshotKeyPrefix   = "data-sync:snapshot:"
	lastUpdateKey       = "data-sync:last-update"
	broadcastTimerID    = "syncsvc:broadcast-snapshot"
	defaultSnapshotSpan = time.Hour
)

// Alarm topic names match spec.md §6's wire protocol literally, the
// same strings internal/distributor's sinks broadcast on, so a
// dashboard client sees one consistent topic naming scheme regardless
// of whether an alarm arrived through the Distributor's own sink or
// the Sync Service's push path.
const (
	topicAll    = "alarm/all"
	topicHigh   = "alarm/high"
	topicMedium = "alarm/medium"
	topicLow    = "alarm/low"
)

// Broadcaster is the subset of the websocket hub the sync service pushes
// through.
type Broadcaster interface {
	Broadcast(topic string, data []byte)
}

// HistoryReader is the subset of the History Store reads are served from.
type HistoryReader interface {
	InWindow(ctx context.Context, start, end time.Time) ([]model.AlarmEvent, bool, error)
}

// Snapshot is the payload returned by both the pull-snapshot and
// pull-delta operations, and by the periodic broadcast. Degraded
// reports whether the underlying read fell back to the History
// Store's in-memory ring rather than serving from Redis, the signal
// callers surface to dashboards per spec.md §7.
type Snapshot struct {
	Alarms    []model.AlarmEvent `json:"alarms"`
	Timestamp time.Time          `json:"timestamp"`
	Count     int                `json:"count"`
	Degraded  bool               `json:"degraded"`
}

// Stats mirrors the original's push/pull/snapshot counters.
type Stats struct {
	PushUpdatesCount       int64
	PullUpdatesCount       int64
	SnapshotsGeneratedCount int64
	ActiveClients          int
}

// Service is the Sync Service.
type Service struct {
	hub     Broadcaster
	history HistoryReader
	redis   *redis.Client
	timers  *timer.TimerManager
	cfg     config.SyncConfig
	logger  *zap.Logger

	watermarkMu sync.Mutex
	watermarks  map[string]time.Time

	pushCount     atomic.Int64
	pullCount     atomic.Int64
	snapshotCount atomic.Int64
}

func New(hub Broadcaster, historyReader HistoryReader, redisClient *redis.Client, timers *timer.TimerManager, cfg config.SyncConfig, logger *zap.Logger) *Service {
	return &Service{
		hub:        hub,
		history:    historyReader,
		redis:      redisClient,
		timers:     timers,
		cfg:        cfg,
		logger:     logger,
		watermarks: make(map[string]time.Time),
	}
}

func severityTopic(sev model.Severity) string {
	switch sev {
	case model.SeverityHigh:
		return topicHigh
	case model.SeverityMedium:
		return topicMedium
	default:
		return topicLow
	}
}

// PushAlarm broadcasts alarm to the "alarm/all" and severity-scoped
// topics. This is wired as the Distributor's Sync sink.
func (s *Service) PushAlarm(ctx context.Context, alarm *model.AlarmEvent) error {
	data, err := protocol.EncodeAlarmEvent(alarm)
	if err != nil {
		return corerr.Internal("syncsvc.push", err)
	}

	s.hub.Broadcast(topicAll, data)
	s.hub.Broadcast(severityTopic(alarm.Severity), data)

	if err := s.redis.Set(ctx, lastUpdateKey, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		s.logger.Warn("failed to record last-update timestamp", zap.Error(err))
	}
	s.pushCount.Add(1)
	return nil
}

// Snapshot returns alarms since `since` (default one hour ago), bounded
// by MaxEventsPerSnapshot, and records the client's watermark.
func (s *Service) Snapshot(ctx context.Context, clientID string, since *time.Time) (*Snapshot, error) {
	now := time.Now().UTC()
	from := now.Add(-defaultSnapshotSpan)
	if since != nil {
		from = *since
	}

	snap, err := s.buildSnapshot(ctx, from, now)
	if err != nil {
		return nil, err
	}

	s.setWatermark(clientID, now)
	s.pullCount.Add(1)
	s.cacheSnapshot(ctx, clientID, snap)
	return snap, nil
}

// Delta returns alarms since clientID's last recorded watermark,
// defaulting to one hour ago for a client seen for the first time.
func (s *Service) Delta(ctx context.Context, clientID string) (*Snapshot, error) {
	now := time.Now().UTC()
	from := s.watermark(clientID, now.Add(-defaultSnapshotSpan))

	snap, err := s.buildSnapshot(ctx, from, now)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) buildSnapshot(ctx context.Context, from, to time.Time) (*Snapshot, error) {
	alarms, degraded, err := s.history.InWindow(ctx, from, to)
	if err != nil {
		return nil, corerr.StoreUnavailable("syncsvc.snapshot", "history read failed", err)
	}
	if len(alarms) > s.cfg.MaxEventsPerSnapshot {
		alarms = alarms[:s.cfg.MaxEventsPerSnapshot]
	}
	return &Snapshot{Alarms: alarms, Timestamp: to, Count: len(alarms), Degraded: degraded}, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, clientID string, snap *Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("failed to marshal snapshot for cache", zap.Error(err))
		return
	}
	ttl := time.Duration(s.cfg.SnapshotIntervalSeconds) * time.Second
	if err := s.redis.Set(ctx, snapshotKeyPrefix+clientID, data, ttl).Err(); err != nil {
		s.logger.Warn("failed to cache snapshot", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	s.snapshotCount.Add(1)
}

// CachedSnapshot returns clientID's last cached snapshot, or nil if none
// exists (either never generated, or expired).
func (s *Service) CachedSnapshot(ctx context.Context, clientID string) (*Snapshot, error) {
	data, err := s.redis.Get(ctx, snapshotKeyPrefix+clientID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, corerr.StoreUnavailable("syncsvc.cached_snapshot", "redis unreachable", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, corerr.Internal("syncsvc.cached_snapshot", err)
	}
	return &snap, nil
}

func (s *Service) watermark(clientID string, fallback time.Time) time.Time {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	if t, ok := s.watermarks[clientID]; ok {
		return t
	}
	return fallback
}

func (s *Service) setWatermark(clientID string, t time.Time) {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	s.watermarks[clientID] = t
}

// StartBroadcastLoop schedules the recurring periodic snapshot broadcast
// on the shared timer heap, self-rescheduling after each firing the same
// way session idle timers reschedule on activity.
func (s *Service) StartBroadcastLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.BroadcastIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	var tick func()
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		s.broadcastSnapshot(ctx)
		s.timers.Schedule(broadcastTimerID, time.Now().Add(interval), tick)
	}
	s.timers.Schedule(broadcastTimerID, time.Now().Add(interval), tick)
}

// StopBroadcastLoop cancels the pending periodic broadcast.
func (s *Service) StopBroadcastLoop() {
	s.timers.Cancel(broadcastTimerID)
}

func (s *Service) broadcastSnapshot(ctx context.Context) {
	now := time.Now().UTC()
	snap, err := s.buildSnapshot(ctx, now.Add(-defaultSnapshotSpan), now)
	if err != nil {
		s.logger.Warn("periodic snapshot broadcast failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("failed to marshal periodic snapshot", zap.Error(err))
		return
	}
	s.hub.Broadcast("snapshot", data)
	s.logger.Info("broadcast periodic snapshot", zap.Int("count", snap.Count))
}

// Stats reports the running push/pull/snapshot counters.
func (s *Service) Stats() Stats {
	s.watermarkMu.Lock()
	active := len(s.watermarks)
	s.watermarkMu.Unlock()

	return Stats{
		PushUpdatesCount:        s.pushCount.Load(),
		PullUpdatesCount:        s.pullCount.Load(),
		SnapshotsGeneratedCount: s.snapshotCount.Load(),
		ActiveClients:           active,
	}
}
