// Package devices provides the minimal device-onboarding record lookups
// the Token Validator and Session Layer need. Full onboarding (device
// registration, enable/disable admin flows) is an external collaborator
// per the core's scope; this package only implements the read/update
// surface the core touches directly, backed by Redis the way
// DeviceTokenService.java's device:info: hash is.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firecore/platform/internal/corerr"
)

// Device is the onboarding record the core reads to authenticate and
// track liveness. APIKeyHash is a bcrypt hash, never the raw key.
type Device struct {
	DeviceID     string    `json:"device_id"`
	Type         string    `json:"type"`
	APIKeyHash   string    `json:"api_key_hash"`
	Enabled      bool      `json:"enabled"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

const deviceKeyPrefix = "device:info:"

// Store resolves device onboarding records and records liveness.
type Store struct {
	redis *redis.Client
}

// New creates a device Store over the given Redis client.
func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func deviceKey(deviceID string) string {
	return deviceKeyPrefix + deviceID
}

// Get resolves a device record, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, deviceID string) (*Device, error) {
	data, err := s.redis.Get(ctx, deviceKey(deviceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, corerr.StoreUnavailable("devices.Get", fmt.Sprintf("redis get failed for device %s", deviceID), err)
	}

	var d Device
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, corerr.Internal("devices.Get", err)
	}
	return &d, nil
}

// Put creates or replaces a device record.
func (s *Store) Put(ctx context.Context, d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return corerr.Internal("devices.Put", err)
	}
	if err := s.redis.Set(ctx, deviceKey(d.DeviceID), data, 0).Err(); err != nil {
		return corerr.StoreUnavailable("devices.Put", fmt.Sprintf("redis set failed for device %s", d.DeviceID), err)
	}
	return nil
}

// TouchLastSeen updates a device's last_seen_at without a full read-modify-write
// round trip through the caller, matching HeartbeatHandler's status refresh.
func (s *Store) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return corerr.Internal("devices.TouchLastSeen", fmt.Errorf("device %s not found", deviceID))
	}
	d.LastSeenAt = at
	return s.Put(ctx, d)
}

// SetEnabled flips a device's enabled flag; used by admin flows external
// to the core, exposed here for completeness of the collaborator contract.
func (s *Store) SetEnabled(ctx context.Context, deviceID string, enabled bool) error {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return corerr.Internal("devices.SetEnabled", fmt.Errorf("device %s not found", deviceID))
	}
	d.Enabled = enabled
	return s.Put(ctx, d)
}
