package rules

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
)

func setupStore(t *testing.T) *Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, zap.NewNop())
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r := &model.Rule{
		Name:       "smoke-high",
		DeviceID:   "d1",
		SensorType: "smoke",
		Operator:   model.OpGT,
		Threshold:  50,
		Severity:   model.SeverityHigh,
		AlarmType:  "SMOKE",
		Enabled:    true,
	}

	created, err := s.Create(ctx, r)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "d1", got.DeviceID)
}

func TestStore_ForPairOnlyReturnsEnabled(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	enabled, err := s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "smoke", Operator: model.OpGT, Threshold: 50, Enabled: true})
	require.NoError(t, err)

	_, err = s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "smoke", Operator: model.OpGT, Threshold: 80, Enabled: false})
	require.NoError(t, err)

	rules, err := s.ForPair(ctx, "d1", "smoke")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, enabled.ID, rules[0].ID)
}

func TestStore_DeleteRemovesFromPairIndex(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "co", Operator: model.OpGT, Threshold: 10, Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, r.ID))

	rules, err := s.ForPair(ctx, "d1", "co")
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestStore_CreateWritesHotPathThreshold(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "smoke", Operator: model.OpGT, Threshold: 50, Enabled: true})
	require.NoError(t, err)

	got, ok, err := s.Threshold(ctx, "d1", "smoke", r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(50), got)
}

func TestStore_UpdateRefreshesHotPathThreshold(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "smoke", Operator: model.OpGT, Threshold: 50, Enabled: true})
	require.NoError(t, err)

	r.Threshold = 75
	require.NoError(t, s.Update(ctx, r))

	got, ok, err := s.Threshold(ctx, "d1", "smoke", r.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(75), got)
}

func TestStore_DeleteRemovesHotPathThreshold(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r, err := s.Create(ctx, &model.Rule{DeviceID: "d1", SensorType: "co", Operator: model.OpGT, Threshold: 10, Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, r.ID))

	_, ok, err := s.Threshold(ctx, "d1", "co", r.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SubscribeThresholdsReceivesUpdateOnCreate(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsub := s.SubscribeThresholds(ctx)
	defer unsub()

	_, err := s.Create(ctx, &model.Rule{DeviceID: "d3", SensorType: "temperature", Operator: model.OpGT, Threshold: 90, Enabled: true})
	require.NoError(t, err)

	select {
	case u := <-updates:
		require.Equal(t, "d3", u.DeviceID)
		require.Equal(t, float64(90), u.Threshold)
	case <-ctx.Done():
		t.Fatal("timed out waiting for threshold update")
	}
}

func TestStore_SubscribeReceivesChangeOnCreate(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, unsub := s.Subscribe(ctx)
	defer unsub()

	_, err := s.Create(ctx, &model.Rule{DeviceID: "d2", SensorType: "temperature", Operator: model.OpGT, Threshold: 90, Enabled: true})
	require.NoError(t, err)

	select {
	case n := <-changes:
		require.Equal(t, "created", n.Op)
		require.Equal(t, "d2", n.DeviceID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for change notification")
	}
}

func TestStore_CreateWithUnrecognizedOperatorMarksUnhealthy(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, &model.Rule{
		DeviceID:   "d4",
		SensorType: "smoke",
		Operator:   model.Operator("~="),
		Threshold:  50,
		Enabled:    true,
	})
	require.NoError(t, err, "an uncompilable rule is persisted, not rejected")
	require.NotEmpty(t, created.UnhealthyReason)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.UnhealthyReason)
}

func TestStore_UpdateWithValidOperatorClearsUnhealthy(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, &model.Rule{
		DeviceID:   "d4",
		SensorType: "smoke",
		Operator:   model.Operator("~="),
		Threshold:  50,
		Enabled:    true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.UnhealthyReason)

	created.Operator = model.OpGT
	require.NoError(t, s.Update(ctx, created))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Empty(t, got.UnhealthyReason)
}
