package syncsvc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/timer"
	"github.com/firecore/platform/pkg/config"
)

type recordingBroadcaster struct {
	messages map[string][][]byte
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{messages: make(map[string][][]byte)}
}

func (r *recordingBroadcaster) Broadcast(topic string, data []byte) {
	r.messages[topic] = append(r.messages[topic], data)
}

type fakeHistory struct {
	events   []model.AlarmEvent
	degraded bool
}

func (f *fakeHistory) InWindow(ctx context.Context, start, end time.Time) ([]model.AlarmEvent, bool, error) {
	var out []model.AlarmEvent
	for _, e := range f.events {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, f.degraded, nil
}

func setupService(t *testing.T, history HistoryReader) (*Service, *recordingBroadcaster) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tm := timer.NewTimerManager(1)
	tm.Start()
	t.Cleanup(tm.Stop)

	b := newRecordingBroadcaster()
	cfg := config.SyncConfig{SnapshotIntervalSeconds: 300, MaxEventsPerSnapshot: 2, BroadcastIntervalSeconds: 3600}
	return New(b, history, client, tm, cfg, zap.NewNop()), b
}

func TestService_PushAlarmBroadcastsAllAndSeverity(t *testing.T) {
	s, b := setupService(t, &fakeHistory{})

	err := s.PushAlarm(context.Background(), &model.AlarmEvent{ID: 1, Severity: model.SeverityHigh})
	require.NoError(t, err)

	require.Len(t, b.messages["alarm/all"], 1)
	require.Len(t, b.messages["alarm/high"], 1)
}

func TestService_SnapshotBoundsToMaxEvents(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{events: []model.AlarmEvent{
		{ID: 1, Timestamp: now.Add(-10 * time.Minute)},
		{ID: 2, Timestamp: now.Add(-5 * time.Minute)},
		{ID: 3, Timestamp: now.Add(-1 * time.Minute)},
	}}
	s, _ := setupService(t, hist)

	snap, err := s.Snapshot(context.Background(), "client-1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Count, "expected snapshot bounded by MaxEventsPerSnapshot")
}

func TestService_SnapshotSurfacesDegradedReads(t *testing.T) {
	hist := &fakeHistory{degraded: true}
	s, _ := setupService(t, hist)

	snap, err := s.Snapshot(context.Background(), "client-1", nil)
	require.NoError(t, err)
	require.True(t, snap.Degraded)
}

func TestService_DeltaUsesWatermarkFromPriorSnapshot(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{events: []model.AlarmEvent{
		{ID: 1, Timestamp: now.Add(-10 * time.Minute)},
	}}
	s, _ := setupService(t, hist)

	since := now.Add(-time.Minute)
	_, err := s.Snapshot(context.Background(), "client-1", &since)
	require.NoError(t, err)

	hist.events = append(hist.events, model.AlarmEvent{ID: 2, Timestamp: time.Now().UTC()})

	delta, err := s.Delta(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, delta.Alarms, 1)
	require.Equal(t, uint64(2), delta.Alarms[0].ID, "expected only events after the recorded watermark")
}

func TestService_CachedSnapshotRoundTrips(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{events: []model.AlarmEvent{{ID: 1, Timestamp: now}}}
	s, _ := setupService(t, hist)

	_, err := s.Snapshot(context.Background(), "client-1", nil)
	require.NoError(t, err)

	cached, err := s.CachedSnapshot(context.Background(), "client-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, 1, cached.Count)
}

func TestService_CachedSnapshotMissingReturnsNil(t *testing.T) {
	s, _ := setupService(t, &fakeHistory{})

	cached, err := s.CachedSnapshot(context.Background(), "unknown-client")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestService_StatsReflectsActivity(t *testing.T) {
	s, _ := setupService(t, &fakeHistory{})

	require.NoError(t, s.PushAlarm(context.Background(), &model.AlarmEvent{ID: 1}))
	_, err := s.Snapshot(context.Background(), "client-1", nil)
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, int64(1), stats.PushUpdatesCount)
	require.Equal(t, int64(1), stats.PullUpdatesCount)
	require.Equal(t, 1, stats.ActiveClients)
}
