// Package rules is the Rule Store: Redis-backed CRUD for threshold
// rules, plus the denormalized hot-path key the Stream Evaluator reads
// on every message. Grounded on RuleEngineService.java's rule lifecycle
// and the teacher's database.AlarmThreshold shape, replacing Postgres
// storage with Redis so the update path can hit spec.md's 200ms budget.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/model"
)

const (
	ruleKeyPrefix      = "rule:"
	rulesByPairKey     = "rules:by-pair:" // + device_id:sensor_type -> set of rule IDs
	thresholdKeyPrefix = "threshold:"     // + device_id:sensor_type -> hash of rule_id -> threshold
	changeChannel      = "rules:changes"
	thresholdChannel   = "rules:thresholds"
)

// Store owns rule state in Redis. Reads used by admin tooling go
// through Get/List; the evaluator also loads its snapshot through List
// and applies threshold updates from the threshold channel.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

// New builds a Store.
func New(redisClient *redis.Client, logger *zap.Logger) *Store {
	return &Store{redis: redisClient, logger: logger}
}

// ChangeNotification is published on the change channel after any
// mutation so the Stream Evaluator can refresh its snapshot.
type ChangeNotification struct {
	RuleID     string `json:"rule_id"`
	DeviceID   string `json:"device_id"`
	SensorType string `json:"sensor_type"`
	Op         string `json:"op"` // created, updated, deleted
}

// ThresholdUpdate is published on the threshold channel the instant the
// hot-path key is written, ahead of the full rule object landing.
// Consumers that only need the numeric threshold (the evaluator's fast
// path) can apply it immediately instead of waiting for a full
// ChangeNotification and re-fetching the rule.
type ThresholdUpdate struct {
	RuleID     string  `json:"rule_id"`
	DeviceID   string  `json:"device_id"`
	SensorType string  `json:"sensor_type"`
	Threshold  float64 `json:"threshold"`
}

func ruleKey(id string) string { return ruleKeyPrefix + id }

func pairKey(deviceID, sensorType string) string {
	return rulesByPairKey + deviceID + ":" + sensorType
}

func thresholdKey(deviceID, sensorType string) string {
	return thresholdKeyPrefix + deviceID + ":" + sensorType
}

// Create assigns a rule ID if unset and persists the rule, publishing a
// change notification. The hot-path pair index is written before the
// notification per spec.md's ordering requirement.
func (s *Store) Create(ctx context.Context, r *model.Rule) (*model.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return r, s.write(ctx, r, "created")
}

// Update overwrites an existing rule by ID.
func (s *Store) Update(ctx context.Context, r *model.Rule) error {
	if r.ID == "" {
		return corerr.Internal("rules.Update", fmt.Errorf("rule id required"))
	}
	return s.write(ctx, r, "updated")
}

// write persists r. The hot-path threshold field is set and its fast
// notification published first, as a standalone command outside the
// rule/pair-index transaction, so a reader consulting the threshold hash
// can observe the new value before the full rule object is visible —
// the partial-write ordering spec.md §4.F/§5 requires for the 200ms
// update SLA. Threshold is the only field safe to expose this way since
// it is the only value the evaluator's fast path consults ahead of a
// full snapshot refresh.
//
// A rule with an unrecognized operator fails compilation: rather than
// reject the write, it is persisted with UnhealthyReason set so it is
// excluded from evaluation (see evaluator.newSnapshot) without blocking
// sibling rules for the same device/sensor pair from being created or
// updated, per spec.md line 98.
func (s *Store) write(ctx context.Context, r *model.Rule, op string) error {
	if r.Operator.Valid() {
		r.UnhealthyReason = ""
	} else {
		compileErr := corerr.RuleCompile("rules.write", fmt.Sprintf("rule %s: unrecognized operator %q", r.ID, r.Operator), nil)
		r.UnhealthyReason = compileErr.Error()
		s.logger.Warn("rule failed compilation, marking unhealthy", zap.String("rule_id", r.ID), zap.Error(compileErr))
	}

	if err := s.redis.HSet(ctx, thresholdKey(r.DeviceID, r.SensorType), r.ID, r.Threshold).Err(); err != nil {
		return corerr.StoreUnavailable("rules.write", "threshold hash write failed", err)
	}
	s.publishThreshold(ctx, ThresholdUpdate{RuleID: r.ID, DeviceID: r.DeviceID, SensorType: r.SensorType, Threshold: r.Threshold})

	data, err := json.Marshal(r)
	if err != nil {
		return corerr.Internal("rules.write", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, ruleKey(r.ID), data, 0)
	pipe.SAdd(ctx, pairKey(r.DeviceID, r.SensorType), r.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.StoreUnavailable("rules.write", "redis pipeline failed", err)
	}

	s.publishChange(ctx, ChangeNotification{RuleID: r.ID, DeviceID: r.DeviceID, SensorType: r.SensorType, Op: op})
	return nil
}

// Threshold reads the current hot-path threshold for ruleID, the fast
// lookup the evaluator prefers over the value cached in its rule
// snapshot. Returns ok=false if no hot-path entry exists yet.
func (s *Store) Threshold(ctx context.Context, deviceID, sensorType, ruleID string) (float64, bool, error) {
	v, err := s.redis.HGet(ctx, thresholdKey(deviceID, sensorType), ruleID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, corerr.StoreUnavailable("rules.Threshold", "redis hget failed", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, corerr.Internal("rules.Threshold", err)
	}
	return f, true, nil
}

// Delete removes a rule and its pair-index membership.
func (s *Store) Delete(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, ruleKey(id))
	pipe.SRem(ctx, pairKey(r.DeviceID, r.SensorType), id)
	pipe.HDel(ctx, thresholdKey(r.DeviceID, r.SensorType), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.StoreUnavailable("rules.Delete", "redis pipeline failed", err)
	}

	s.publishChange(ctx, ChangeNotification{RuleID: id, DeviceID: r.DeviceID, SensorType: r.SensorType, Op: "deleted"})
	return nil
}

// Get fetches a single rule, returning nil, nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*model.Rule, error) {
	data, err := s.redis.Get(ctx, ruleKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, corerr.StoreUnavailable("rules.Get", "redis get failed", err)
	}

	var r model.Rule
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, corerr.Internal("rules.Get", err)
	}
	return &r, nil
}

// ForPair returns every enabled rule matching (device_id, sensor_type),
// resolved through the per-pair rule ID set.
func (s *Store) ForPair(ctx context.Context, deviceID, sensorType string) ([]*model.Rule, error) {
	ids, err := s.redis.SMembers(ctx, pairKey(deviceID, sensorType)).Result()
	if err != nil {
		return nil, corerr.StoreUnavailable("rules.ForPair", "redis smembers failed", err)
	}

	var out []*model.Rule
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r != nil && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// List scans every rule in the store. Intended for snapshot bootstrap
// and admin tooling, not the evaluator hot path.
func (s *Store) List(ctx context.Context) ([]*model.Rule, error) {
	var out []*model.Rule
	iter := s.redis.Scan(ctx, 0, ruleKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var r model.Rule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	if err := iter.Err(); err != nil {
		return nil, corerr.StoreUnavailable("rules.List", "redis scan failed", err)
	}
	return out, nil
}

func (s *Store) publishChange(ctx context.Context, n ChangeNotification) {
	data, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("marshal change notification failed", zap.Error(err))
		return
	}
	if err := s.redis.Publish(ctx, changeChannel, data).Err(); err != nil {
		s.logger.Warn("publish rule change failed", zap.Error(err))
	}
}

func (s *Store) publishThreshold(ctx context.Context, u ThresholdUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		s.logger.Error("marshal threshold update failed", zap.Error(err))
		return
	}
	if err := s.redis.Publish(ctx, thresholdChannel, data).Err(); err != nil {
		s.logger.Warn("publish threshold update failed", zap.Error(err))
	}
}

// SubscribeThresholds returns a channel of hot-path threshold updates,
// the fast notification the evaluator applies without waiting for a
// full snapshot refresh.
func (s *Store) SubscribeThresholds(ctx context.Context) (<-chan ThresholdUpdate, func()) {
	sub := s.redis.Subscribe(ctx, thresholdChannel)
	out := make(chan ThresholdUpdate, 32)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var u ThresholdUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { sub.Close() }
}

// Subscribe returns a channel of change notifications for the evaluator
// to refresh its snapshot from.
func (s *Store) Subscribe(ctx context.Context) (<-chan ChangeNotification, func()) {
	sub := s.redis.Subscribe(ctx, changeChannel)
	out := make(chan ChangeNotification, 32)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			var n ChangeNotification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { sub.Close() }
}
