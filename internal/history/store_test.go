package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/pkg/config"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.HistoryConfig{RetentionDays: 30, InMemoryFallbackSize: 3, SweepInterval: time.Hour}
	return New(client, cfg, zap.NewNop()), mr
}

func alarmAt(id uint64, deviceID string, sev model.Severity, alarmType string, ts time.Time) *model.AlarmEvent {
	return &model.AlarmEvent{
		ID: id, DeviceID: deviceID, AlarmType: alarmType, Severity: sev, Timestamp: ts,
	}
}

func TestStore_WriteAndRecent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Write(ctx, alarmAt(1, "d1", model.SeverityHigh, "FIRE", base)))
	require.NoError(t, s.Write(ctx, alarmAt(2, "d1", model.SeverityLow, "SMOKE", base.Add(time.Second))))

	recent, degraded, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.False(t, degraded)
	require.Len(t, recent, 2)
	require.Equal(t, uint64(2), recent[0].ID, "expected newest alarm first")
}

func TestStore_ByDeviceOnlyReturnsThatDevice(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Write(ctx, alarmAt(1, "d1", model.SeverityHigh, "FIRE", base)))
	require.NoError(t, s.Write(ctx, alarmAt(2, "d2", model.SeverityHigh, "FIRE", base.Add(time.Second))))

	got, degraded, err := s.ByDevice(ctx, "d1", 10)
	require.NoError(t, err)
	require.False(t, degraded)
	require.Len(t, got, 1)
	require.Equal(t, "d1", got[0].DeviceID)
}

func TestStore_InWindowFiltersByScore(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Write(ctx, alarmAt(1, "d1", model.SeverityHigh, "FIRE", base)))
	require.NoError(t, s.Write(ctx, alarmAt(2, "d1", model.SeverityHigh, "FIRE", base.Add(time.Hour))))

	got, degraded, err := s.InWindow(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, degraded)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].ID)
}

func TestStore_SweepRemovesOldEntries(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)

	require.NoError(t, s.Write(ctx, alarmAt(1, "d1", model.SeverityHigh, "FIRE", old)))
	require.NoError(t, s.Write(ctx, alarmAt(2, "d1", model.SeverityHigh, "FIRE", time.Now().UTC())))

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	count, err := s.CountGlobal(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStore_FallsBackToRingWhenRedisUnavailable(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Write(ctx, alarmAt(1, "d1", model.SeverityHigh, "FIRE", base)))
	mr.Close()

	require.NoError(t, s.Write(ctx, alarmAt(2, "d1", model.SeverityHigh, "FIRE", base.Add(time.Second))))

	recent, degraded, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.True(t, degraded, "expected degraded read to serve from the in-memory ring")
	require.Len(t, recent, 2)
}

func TestStore_RingEvictsOldestFirstWhenFull(t *testing.T) {
	s, _ := setupStore(t)

	for i := uint64(1); i <= 5; i++ {
		s.pushRing(alarmAt(i, "d1", model.SeverityLow, "SMOKE", time.Now().UTC()))
	}

	snap := s.ringSnapshot()
	require.Len(t, snap, 3, "ring capacity is 3 in this test config")
	require.Equal(t, uint64(3), snap[0].ID, "expected oldest two entries evicted")
	require.Equal(t, uint64(5), snap[2].ID)
}

func TestStore_AvailableReflectsRedisReachability(t *testing.T) {
	s, mr := setupStore(t)
	require.True(t, s.Available(context.Background()))

	mr.Close()
	require.False(t, s.Available(context.Background()))
}
