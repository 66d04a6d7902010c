// Package hotspot implements the two server-side scripted operations
// spec.md §4.M calls the Hotspot Primitives, plus the general-purpose
// distributed lock that protects counter paths not encapsulated in a
// script. Grounded on FireSuppressionService.java's activate_suppression
// / increment_suppression_counter / get_device_status trio, ported from
// Spring's RedisScript execution to go-redis's Script.Run.
package hotspot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/devices"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/pkg/config"
)

// suppressionEventsChannel is where ActivateSuppression publishes
// suppression_activated events per spec.md §4.M step 4. No package in
// this module subscribes to it; it is for external Redis subscribers.
const suppressionEventsChannel = "suppression:events"

// Outcome is the result of an activation attempt.
type Outcome string

const (
	Activated Outcome = "Activated"
	Updated   Outcome = "Updated"
	Conflict  Outcome = "Conflict"
)

func suppressionKey(deviceID string) string { return "device:" + deviceID + ":suppression" }
func countersKey(deviceID string) string    { return "device:" + deviceID + ":counters" }
func historyKey(deviceID string) string     { return "device:" + deviceID + ":history" }

const deviceStatusKeyPrefix = "device:status:"

// Store runs the hotspot primitives against Redis.
type Store struct {
	redis   *redis.Client
	devices *devices.Store
	cfg     config.SuppressionConfig
	logger  *zap.Logger
}

// New builds a Store.
func New(redisClient *redis.Client, deviceStore *devices.Store, cfg config.SuppressionConfig, logger *zap.Logger) *Store {
	return &Store{redis: redisClient, devices: deviceStore, cfg: cfg, logger: logger}
}

// ActivationResult carries the outcome of activate_suppression.
type ActivationResult struct {
	Outcome      Outcome
	ExistingType model.SuppressionType
}

// ActivateSuppression runs spec.md §4.M's activate_suppression. Step 1
// (device present/enabled/connected) is checked outside the script
// against internal/devices and the session status key; steps 2-4 run
// atomically inside activateSuppressionScript.
func (s *Store) ActivateSuppression(ctx context.Context, deviceID, zoneID string, stype model.SuppressionType, intensity int) (*ActivationResult, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, corerr.StoreUnavailable("hotspot.ActivateSuppression", "device lookup failed", err)
	}
	if device == nil || !device.Enabled {
		return nil, corerr.Internal("hotspot.ActivateSuppression", fmt.Errorf("device %s missing or disabled", deviceID))
	}

	status, err := s.redis.Get(ctx, deviceStatusKeyPrefix+deviceID).Result()
	if err != nil && err != redis.Nil {
		return nil, corerr.StoreUnavailable("hotspot.ActivateSuppression", "status lookup failed", err)
	}
	var st struct {
		Connected *bool `json:"connected"`
	}
	if err == redis.Nil || (json.Unmarshal([]byte(status), &st) == nil && st.Connected != nil && !*st.Connected) {
		return nil, corerr.Internal("hotspot.ActivateSuppression", fmt.Errorf("device %s disconnected", deviceID))
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	keys := []string{suppressionKey(deviceID), countersKey(deviceID), historyKey(deviceID)}
	args := []interface{}{zoneID, string(stype), intensity, now, s.cfg.AutoExpireSeconds, 100}

	result, err := activateSuppressionScript.Run(ctx, s.redis, keys, args...).Result()
	if err != nil {
		return nil, corerr.StoreUnavailable("hotspot.ActivateSuppression", "script execution failed", err)
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) != 2 {
		return nil, corerr.Internal("hotspot.ActivateSuppression", fmt.Errorf("unexpected script result shape"))
	}

	outcome := Outcome(fmt.Sprint(fields[0]))
	existingType := model.SuppressionType(fmt.Sprint(fields[1]))

	if outcome == Conflict {
		return &ActivationResult{Outcome: outcome, ExistingType: existingType}, corerr.SuppressionConflict("hotspot.ActivateSuppression",
			fmt.Sprintf("device %s already has active suppression type %s", deviceID, existingType))
	}

	s.publishSuppressionEvent(ctx, model.SuppressionEvent{
		Event:     "suppression_activated",
		DeviceID:  deviceID,
		ZoneID:    zoneID,
		Type:      stype,
		Intensity: intensity,
		Timestamp: time.Now().UnixMilli(),
	})

	return &ActivationResult{Outcome: outcome, ExistingType: existingType}, nil
}

// publishSuppressionEvent broadcasts the wire envelope spec.md §4.M/§6
// documents on suppressionEventsChannel.
// Publish failure doesn't roll back the activation: the suppression
// state itself is already durably committed by the script.
func (s *Store) publishSuppressionEvent(ctx context.Context, evt model.SuppressionEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal suppression event failed", zap.Error(err))
		return
	}
	if err := s.redis.Publish(ctx, suppressionEventsChannel, data).Err(); err != nil {
		s.logger.Warn("publish suppression event failed", zap.String("device_id", evt.DeviceID), zap.Error(err))
	}
}

// IncrementSuppressionCounter bumps counters without going through the
// full activation flow, used by callers that only need the tally.
func (s *Store) IncrementSuppressionCounter(ctx context.Context, deviceID string, stype model.SuppressionType) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	result, err := incrementSuppressionCounterScript.Run(ctx, s.redis, []string{countersKey(deviceID)}, string(stype), now).Result()
	if err != nil {
		return 0, corerr.StoreUnavailable("hotspot.IncrementSuppressionCounter", "script execution failed", err)
	}
	total, ok := result.(int64)
	if !ok {
		return 0, corerr.Internal("hotspot.IncrementSuppressionCounter", fmt.Errorf("unexpected script result type"))
	}
	return total, nil
}

// DeviceStatus is the suppression/counters snapshot for one device.
type DeviceStatus struct {
	Suppression map[string]string
	Counters    map[string]string
}

// GetDeviceStatus reads a device's suppression and counters state.
func (s *Store) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	result, err := getDeviceStatusScript.Run(ctx, s.redis, []string{suppressionKey(deviceID), countersKey(deviceID)}).Result()
	if err != nil {
		return nil, corerr.StoreUnavailable("hotspot.GetDeviceStatus", "script execution failed", err)
	}

	rows, ok := result.([]interface{})
	if !ok || len(rows) != 2 {
		return nil, corerr.Internal("hotspot.GetDeviceStatus", fmt.Errorf("unexpected script result shape"))
	}

	return &DeviceStatus{
		Suppression: flatPairsToMap(rows[0]),
		Counters:    flatPairsToMap(rows[1]),
	}, nil
}

func flatPairsToMap(v interface{}) map[string]string {
	out := make(map[string]string)
	flat, ok := v.([]interface{})
	if !ok {
		return out
	}
	for i := 0; i+1 < len(flat); i += 2 {
		out[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}
	return out
}

// ErrLockNotAcquired is returned when AcquireLock times out.
var ErrLockNotAcquired = errors.New("hotspot: lock not acquired within wait budget")

// Lock is a held distributed lease; call Release to give it up early.
type Lock struct {
	redis *redis.Client
	key   string
	token string
}

// AcquireLock takes the general-purpose counter lock keyed by
// device+counterName, protecting non-scripted set/increment paths, per
// spec.md §4.M. Redisson (the Java original's lock library) has no
// Go/pack equivalent, so this uses the SET NX PX pattern the go-redis
// client documents for leader-election-style leases -- an Open Question
// resolved this way since no ecosystem distributed-lock library appears
// anywhere in the example pack.
func AcquireLock(ctx context.Context, redisClient *redis.Client, deviceID, counterName string, waitMs, leaseMs int) (*Lock, error) {
	key := "lock:" + deviceID + ":" + counterName
	token := strconv.FormatInt(time.Now().UnixNano(), 10)
	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)

	for {
		ok, err := redisClient.SetNX(ctx, key, token, time.Duration(leaseMs)*time.Millisecond).Result()
		if err != nil {
			return nil, corerr.StoreUnavailable("hotspot.AcquireLock", "redis setnx failed", err)
		}
		if ok {
			return &Lock{redis: redisClient, key: key, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// releaseLockScript deletes the lock only if it still holds our token,
// so a lock that already expired and was re-acquired by someone else is
// never accidentally released.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release gives up the lock early if we still hold it.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, l.redis, []string{l.key}, l.token).Err(); err != nil {
		return corerr.StoreUnavailable("hotspot.Release", "unlock script failed", err)
	}
	return nil
}
