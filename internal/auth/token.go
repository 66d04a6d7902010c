// Package auth implements the Token Validator: opaque bearer tokens
// resolved to a device identity with expiry and revocation semantics,
// grounded on DeviceTokenService.java's issue/validate/refresh/revoke
// shape but backed by go-redis/v9 instead of Spring's RedisTemplate.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/devices"
)

const (
	accessKeyPrefix  = "device:token:"
	refreshKeyPrefix = "device:token:refresh:"
	deviceTokensPrefix = "device:tokens:" // set of live token IDs per device, for full revocation
)

// TokenPair is the result of issuing or refreshing credentials.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validator issues, validates, refreshes and revokes device bearer tokens.
type Validator struct {
	redis      *redis.Client
	devices    *devices.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	envelope   *EnvelopeSigner
	logger     *zap.Logger
}

// New builds a Validator with the configured TTLs. envelopeSecret signs
// the access token's defense-in-depth envelope: Validate rejects a
// forged or expired envelope before ever touching Redis, so a Redis
// compromise alone (stale revocation entries, a replayed opaque ID)
// isn't enough to impersonate a device.
func New(redisClient *redis.Client, deviceStore *devices.Store, accessTTL, refreshTTL time.Duration, envelopeSecret string, logger *zap.Logger) *Validator {
	return &Validator{
		redis:      redisClient,
		devices:    deviceStore,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		envelope:   NewEnvelopeSigner(envelopeSecret),
		logger:     logger,
	}
}

// tokenRecord is what an access/refresh key maps to in Redis.
type tokenRecord struct {
	DeviceID string `json:"device_id"`
}

// Issue validates (device_id, api_key) and mints a fresh access/refresh pair.
func (v *Validator) Issue(ctx context.Context, deviceID, apiKey string) (*TokenPair, error) {
	device, err := v.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, corerr.Internal("auth.Issue", err)
	}
	if device == nil || !device.Enabled {
		return nil, corerr.Auth("auth.Issue", corerr.ReasonInvalidCredentials, fmt.Errorf("device missing or disabled"))
	}
	if bcrypt.CompareHashAndPassword([]byte(device.APIKeyHash), []byte(apiKey)) != nil {
		return nil, corerr.Auth("auth.Issue", corerr.ReasonInvalidCredentials, fmt.Errorf("api key mismatch"))
	}

	pair, err := v.mint(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if err := v.devices.TouchLastSeen(ctx, deviceID, time.Now()); err != nil {
		v.logger.Warn("touch last seen failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	return pair, nil
}

func (v *Validator) mint(ctx context.Context, deviceID string) (*TokenPair, error) {
	access := uuid.NewString()
	refresh := uuid.NewString()
	now := time.Now()

	recBytes, err := json.Marshal(tokenRecord{DeviceID: deviceID})
	if err != nil {
		return nil, corerr.Internal("auth.mint", err)
	}

	pipe := v.redis.TxPipeline()
	pipe.Set(ctx, accessKeyPrefix+access, recBytes, v.accessTTL)
	pipe.Set(ctx, refreshKeyPrefix+refresh, recBytes, v.refreshTTL)
	pipe.SAdd(ctx, deviceTokensPrefix+deviceID, access, refresh)
	pipe.Expire(ctx, deviceTokensPrefix+deviceID, v.refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, corerr.StoreUnavailable("auth.mint", "redis pipeline failed", err)
	}

	envelope, err := v.envelope.Sign(deviceID, access, v.accessTTL)
	if err != nil {
		return nil, corerr.Internal("auth.mint", fmt.Errorf("sign envelope: %w", err))
	}

	return &TokenPair{
		AccessToken:  envelope,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(v.accessTTL),
	}, nil
}

// Validate resolves a signed access envelope to a device ID. The
// envelope's own signature and expiry are checked first, ahead of any
// Redis round trip, then its opaque ID (jti) is looked up to catch
// revocation and its claimed device ID is cross-checked against the
// record Redis holds for that ID.
func (v *Validator) Validate(ctx context.Context, accessToken string) (string, error) {
	claims, err := v.envelope.Verify(accessToken)
	if err != nil {
		return "", corerr.Auth("auth.Validate", corerr.ReasonTokenExpired, fmt.Errorf("envelope verification failed: %w", err))
	}

	deviceID, err := v.lookup(ctx, accessKeyPrefix+claims.TokenID)
	if err != nil {
		return "", err
	}
	if deviceID == "" || deviceID != claims.DeviceID {
		return "", corerr.Auth("auth.Validate", corerr.ReasonTokenRevoked, fmt.Errorf("token not found, expired, or revoked"))
	}

	device, err := v.devices.Get(ctx, deviceID)
	if err != nil {
		return "", corerr.Internal("auth.Validate", err)
	}
	if device == nil || !device.Enabled {
		return "", corerr.Auth("auth.Validate", corerr.ReasonTokenRevoked, fmt.Errorf("device disabled"))
	}

	if err := v.devices.TouchLastSeen(ctx, deviceID, time.Now()); err != nil {
		v.logger.Warn("touch last seen failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	return deviceID, nil
}

// IsEnabled reports whether deviceID's onboarding record still permits
// live traffic, the lightweight check the Session Layer's periodic
// sweep uses to close sessions for devices disabled mid-connection
// without requiring their bearer token.
func (v *Validator) IsEnabled(ctx context.Context, deviceID string) (bool, error) {
	device, err := v.devices.Get(ctx, deviceID)
	if err != nil {
		return false, corerr.Internal("auth.IsEnabled", err)
	}
	return device != nil && device.Enabled, nil
}

func (v *Validator) lookup(ctx context.Context, key string) (string, error) {
	data, err := v.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", corerr.StoreUnavailable("auth.lookup", "redis get failed", err)
	}

	var rec tokenRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", corerr.Internal("auth.lookup", err)
	}
	return rec.DeviceID, nil
}

// Refresh atomically invalidates refreshToken and issues a new pair.
// Refresh tokens are single-use: the old one is deleted before the new
// pair is minted, whether or not the caller ever presents it again.
func (v *Validator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	deviceID, err := v.lookup(ctx, refreshKeyPrefix+refreshToken)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, corerr.Auth("auth.Refresh", corerr.ReasonTokenExpired, fmt.Errorf("refresh token not found or expired"))
	}

	pipe := v.redis.TxPipeline()
	pipe.Del(ctx, refreshKeyPrefix+refreshToken)
	pipe.SRem(ctx, deviceTokensPrefix+deviceID, refreshToken)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, corerr.StoreUnavailable("auth.Refresh", "invalidate old refresh token", err)
	}

	return v.mint(ctx, deviceID)
}

// Revoke purges every outstanding token for a device. The original
// Java implementation only flips a connected-status flag here and
// leaves prior tokens live; that violates the "revocation invalidates
// both access and refresh pair" invariant, so this implementation
// tracks live token IDs per device and deletes them all.
func (v *Validator) Revoke(ctx context.Context, deviceID string) error {
	setKey := deviceTokensPrefix + deviceID

	tokens, err := v.redis.SMembers(ctx, setKey).Result()
	if err != nil && err != redis.Nil {
		return corerr.StoreUnavailable("auth.Revoke", "list device tokens", err)
	}

	pipe := v.redis.TxPipeline()
	for _, tok := range tokens {
		pipe.Del(ctx, accessKeyPrefix+tok)
		pipe.Del(ctx, refreshKeyPrefix+tok)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.StoreUnavailable("auth.Revoke", "delete device tokens", err)
	}

	return nil
}
