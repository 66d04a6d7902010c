// Package evaluator is the Stream Evaluator: matches sensor readings
// against rules and emits candidate alarms. Grounded on the teacher's
// internal/alarming.Evaluator (threshold caching, evaluateCondition)
// generalized from a single zipcode-scoped threshold list with duration
// breaches to spec.md §4.G's per-(device,sensor_type) rule set with
// first-match-in-window semantics instead of sustained-breach duration.
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/corerr"
	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/internal/rules"
)

// Snapshot is a read-only view of all enabled rules, indexed by
// (device_id, sensor_type) for O(1) lookup on the hot path.
type Snapshot struct {
	byPair map[string][]*model.Rule
}

func pairKey(deviceID, sensorType string) string { return deviceID + ":" + sensorType }

// newSnapshot builds the evaluation index, isolating any rule that
// fails compilation instead of letting it silently never fire or
// corrupt the pair index for its siblings. A rule already marked
// unhealthy by the Rule Store is skipped outright; one that reaches
// here healthy but with an operator the evaluator doesn't recognize
// (e.g. seeded directly into storage, bypassing Store.Create/Update) is
// caught here too, so isolation holds regardless of how the rule
// arrived. Per spec.md line 98, everything else for that
// (device_id, sensor_type) pair still evaluates normally.
func (e *Evaluator) newSnapshot(all []*model.Rule) *Snapshot {
	s := &Snapshot{byPair: make(map[string][]*model.Rule)}
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		if r.UnhealthyReason != "" {
			continue
		}
		if !r.Operator.Valid() {
			err := corerr.RuleCompile("evaluator.newSnapshot", fmt.Sprintf("rule %s: unrecognized operator %q, isolating from evaluation", r.ID, r.Operator), nil)
			e.logger.Warn("rule failed compilation, skipping", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		key := pairKey(r.DeviceID, r.SensorType)
		s.byPair[key] = append(s.byPair[key], r)
	}
	return s
}

func (s *Snapshot) rulesFor(deviceID, sensorType string) []*model.Rule {
	return s.byPair[pairKey(deviceID, sensorType)]
}

// Evaluator holds an atomically-swapped rule snapshot and the
// first-match-in-window state per fingerprint. Readers on the hot path
// never block writers refreshing the snapshot.
type Evaluator struct {
	store    *rules.Store
	snapshot atomic.Pointer[Snapshot]
	logger   *zap.Logger

	windowMu sync.Mutex
	windows  map[string]time.Time // fingerprint -> window expiry

	thresholds sync.Map // rule ID -> float64, the hot-path override
}

// New builds an Evaluator with an empty snapshot; call Refresh before
// serving traffic, and Watch/WatchThresholds to keep it current.
func New(store *rules.Store, logger *zap.Logger) *Evaluator {
	e := &Evaluator{
		store:   store,
		logger:  logger,
		windows: make(map[string]time.Time),
	}
	e.snapshot.Store(e.newSnapshot(nil))
	return e
}

// Refresh reloads the full rule set from the store and swaps it in.
func (e *Evaluator) Refresh(ctx context.Context) error {
	all, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	e.snapshot.Store(e.newSnapshot(all))
	return nil
}

// Watch subscribes to rule change notifications and refreshes the full
// snapshot on every one, satisfying the "react within one evaluation
// cycle" requirement for fields other than threshold (operator,
// severity, alarm_type, window). Runs until ctx is cancelled.
func (e *Evaluator) Watch(ctx context.Context) {
	changes, unsub := e.store.Subscribe(ctx)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-changes:
			if !ok {
				return
			}
			if n.Op == "deleted" {
				e.thresholds.Delete(n.RuleID)
			}
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("rule snapshot refresh failed", zap.Error(err))
			}
		}
	}
}

// WatchThresholds subscribes to the hot-path threshold channel and
// applies updates to the in-process override map immediately, ahead of
// the full rule object landing in the snapshot via Watch/Refresh. This
// is the fast path spec.md §4.F/§5 requires: Evaluate consults this map
// before falling back to the snapshot's cached threshold. Runs until
// ctx is cancelled.
func (e *Evaluator) WatchThresholds(ctx context.Context) {
	updates, unsub := e.store.SubscribeThresholds(ctx)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.thresholds.Store(u.RuleID, u.Threshold)
		}
	}
}

// Evaluate matches reading against every enabled rule for its
// (device_id, sensor_type) pair, applying the first-match-in-window
// policy for rules with window_seconds > 0. All matching rules fire;
// per-fingerprint suppression is the deduplicator's job downstream,
// except for windowed first-match which the evaluator owns because it
// depends on rule configuration the deduplicator doesn't see.
func (e *Evaluator) Evaluate(reading model.Reading) []model.Candidate {
	snap := e.snapshot.Load()
	matched := snap.rulesFor(reading.DeviceID, reading.SensorType)
	if len(matched) == 0 {
		return nil
	}

	now := reading.Timestamp
	var candidates []model.Candidate

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic evaluating reading, dropping message",
					zap.String("device_id", reading.DeviceID), zap.Any("recover", r))
				candidates = nil
			}
		}()

		for _, rule := range matched {
			threshold := rule.Threshold
			if hot, ok := e.thresholds.Load(rule.ID); ok {
				threshold = hot.(float64)
			}
			if !breaches(reading.Value, rule.Operator, threshold, rule.Epsilon) {
				continue
			}

			fp := model.Fingerprint{RuleID: rule.ID, DeviceID: reading.DeviceID, SensorType: reading.SensorType}
			if rule.WindowSeconds > 0 && !e.firstInWindow(fp, now, time.Duration(rule.WindowSeconds)*time.Second) {
				continue
			}

			candidates = append(candidates, model.Candidate{Rule: rule, Reading: reading})
		}
	}()

	return candidates
}

func (e *Evaluator) firstInWindow(fp model.Fingerprint, now time.Time, window time.Duration) bool {
	key := fp.String()

	e.windowMu.Lock()
	defer e.windowMu.Unlock()

	expiry, seen := e.windows[key]
	if seen && now.Before(expiry) {
		return false
	}
	e.windows[key] = now.Add(window)
	return true
}

// breaches evaluates value OP threshold using the declared operator's
// strict semantics; = and ≠ compare within epsilon (defaults to exact
// equality when epsilon is zero).
func breaches(value float64, op model.Operator, threshold, epsilon float64) bool {
	switch op {
	case model.OpGT:
		return value > threshold
	case model.OpGE:
		return value >= threshold
	case model.OpLT:
		return value < threshold
	case model.OpLE:
		return value <= threshold
	case model.OpEQ:
		return withinEpsilon(value, threshold, epsilon)
	case model.OpNEQ:
		return !withinEpsilon(value, threshold, epsilon)
	default:
		return false
	}
}

func withinEpsilon(value, threshold, epsilon float64) bool {
	delta := value - threshold
	if delta < 0 {
		delta = -delta
	}
	return delta <= epsilon
}
