package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/firecore/platform/internal/devices"
)

func setupValidator(t *testing.T, deviceID string, enabled bool) (*Validator, *devices.Store) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	deviceStore := devices.New(client)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, deviceStore.Put(context.Background(), &devices.Device{
		DeviceID: deviceID, APIKeyHash: string(hash), Enabled: enabled, RegisteredAt: time.Now(),
	}))

	v := New(client, deviceStore, time.Minute, time.Hour, "test-envelope-secret", zap.NewNop())
	return v, deviceStore
}

func TestValidator_IssueThenValidateRoundTrips(t *testing.T) {
	v, _ := setupValidator(t, "d1", true)
	ctx := context.Background()

	pair, err := v.Issue(ctx, "d1", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	deviceID, err := v.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "d1", deviceID)
}

func TestValidator_IssueRejectsWrongAPIKey(t *testing.T) {
	v, _ := setupValidator(t, "d1", true)
	_, err := v.Issue(context.Background(), "d1", "wrong-key")
	require.Error(t, err)
}

func TestValidator_ValidateRejectsTamperedEnvelope(t *testing.T) {
	v, _ := setupValidator(t, "d1", true)
	ctx := context.Background()

	pair, err := v.Issue(ctx, "d1", "s3cret")
	require.NoError(t, err)

	_, err = v.Validate(ctx, pair.AccessToken+"tampered")
	require.Error(t, err)
}

func TestValidator_ValidateRejectsRevokedToken(t *testing.T) {
	v, _ := setupValidator(t, "d1", true)
	ctx := context.Background()

	pair, err := v.Issue(ctx, "d1", "s3cret")
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, "d1"))

	_, err = v.Validate(ctx, pair.AccessToken)
	require.Error(t, err)
}

func TestValidator_ValidateRejectsDisabledDevice(t *testing.T) {
	v, deviceStore := setupValidator(t, "d1", true)
	ctx := context.Background()

	pair, err := v.Issue(ctx, "d1", "s3cret")
	require.NoError(t, err)

	require.NoError(t, deviceStore.SetEnabled(ctx, "d1", false))

	_, err = v.Validate(ctx, pair.AccessToken)
	require.Error(t, err)
}

func TestValidator_RefreshInvalidatesOldRefreshToken(t *testing.T) {
	v, _ := setupValidator(t, "d1", true)
	ctx := context.Background()

	pair, err := v.Issue(ctx, "d1", "s3cret")
	require.NoError(t, err)

	newPair, err := v.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, newPair.AccessToken)

	_, err = v.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
}
