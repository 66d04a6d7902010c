package evaluator

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
)

func nopLogger() *zap.Logger { return zap.NewNop() }

func TestBreaches_Operators(t *testing.T) {
	cases := []struct {
		value, threshold, epsilon float64
		op                        model.Operator
		want                      bool
	}{
		{value: 80, threshold: 50, op: model.OpGT, want: true},
		{value: 50, threshold: 50, op: model.OpGT, want: false},
		{value: 50, threshold: 50, op: model.OpGE, want: true},
		{value: 10, threshold: 50, op: model.OpLT, want: true},
		{value: 50, threshold: 50, op: model.OpLE, want: true},
		{value: 50.01, threshold: 50, epsilon: 0.1, op: model.OpEQ, want: true},
		{value: 51, threshold: 50, epsilon: 0.1, op: model.OpEQ, want: false},
		{value: 51, threshold: 50, epsilon: 0.1, op: model.OpNEQ, want: true},
	}

	for _, c := range cases {
		got := breaches(c.value, c.op, c.threshold, c.epsilon)
		if got != c.want {
			t.Errorf("breaches(%v, %s, %v, %v) = %v, want %v", c.value, c.op, c.threshold, c.epsilon, got, c.want)
		}
	}
}

func rule(id, deviceID, sensorType string, op model.Operator, threshold float64, window int) *model.Rule {
	return &model.Rule{ID: id, DeviceID: deviceID, SensorType: sensorType, Operator: op, Threshold: threshold, WindowSeconds: window, Enabled: true}
}

func TestEvaluator_MatchesAllFiringRules(t *testing.T) {
	e := New(nil, nopLogger())
	e.snapshot.Store(e.newSnapshot([]*model.Rule{
		rule("r1", "d1", "smoke", model.OpGT, 50, 0),
		rule("r2", "d1", "smoke", model.OpGT, 30, 0),
	}))

	reading := model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 80, Timestamp: time.Now()}
	candidates := e.Evaluate(reading)

	if len(candidates) != 2 {
		t.Fatalf("expected both rules to fire, got %d", len(candidates))
	}
}

func TestEvaluator_WindowSuppressesRepeatWithinWindow(t *testing.T) {
	e := New(nil, nopLogger())
	e.snapshot.Store(e.newSnapshot([]*model.Rule{
		rule("r1", "d1", "smoke", model.OpGT, 50, 60),
	}))

	now := time.Now()
	first := e.Evaluate(model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 80, Timestamp: now})
	second := e.Evaluate(model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 90, Timestamp: now.Add(30 * time.Second)})

	if len(first) != 1 {
		t.Fatalf("expected first breach to emit, got %d", len(first))
	}
	if len(second) != 0 {
		t.Errorf("expected second breach within window to be suppressed, got %d", len(second))
	}
}

func TestEvaluator_WindowAllowsAfterExpiry(t *testing.T) {
	e := New(nil, nopLogger())
	e.snapshot.Store(e.newSnapshot([]*model.Rule{
		rule("r1", "d1", "smoke", model.OpGT, 50, 60),
	}))

	now := time.Now()
	e.Evaluate(model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 80, Timestamp: now})
	later := e.Evaluate(model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 90, Timestamp: now.Add(61 * time.Second)})

	if len(later) != 1 {
		t.Errorf("expected breach after window expiry to emit, got %d", len(later))
	}
}

func TestEvaluator_NoMatchingRulesReturnsEmpty(t *testing.T) {
	e := New(nil, nopLogger())
	candidates := e.Evaluate(model.Reading{DeviceID: "unknown", SensorType: "smoke", Value: 80, Timestamp: time.Now()})
	if len(candidates) != 0 {
		t.Errorf("expected no candidates for unmatched device, got %d", len(candidates))
	}
}

func TestEvaluator_HotPathThresholdOverridesSnapshotValue(t *testing.T) {
	e := New(nil, nopLogger())
	e.snapshot.Store(e.newSnapshot([]*model.Rule{
		rule("r1", "d1", "smoke", model.OpGT, 50, 0),
	}))

	// A reading that only breaches the stale snapshot threshold must not fire
	// once the hot path has a fresher, higher threshold in place.
	e.thresholds.Store("r1", 100.0)
	reading := model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 80, Timestamp: time.Now()}
	if candidates := e.Evaluate(reading); len(candidates) != 0 {
		t.Fatalf("expected hot-path threshold to suppress the match, got %d candidates", len(candidates))
	}

	// Raising the reading above the hot-path threshold fires again.
	reading.Value = 120
	if candidates := e.Evaluate(reading); len(candidates) != 1 {
		t.Fatalf("expected hot-path threshold to still allow a genuine breach, got %d candidates", len(candidates))
	}
}

func TestNewSnapshot_IsolatesUnhealthyRuleFromHealthySiblings(t *testing.T) {
	e := New(nil, nopLogger())

	healthy := rule("r1", "d1", "smoke", model.OpGT, 50, 0)
	preMarkedUnhealthy := rule("r2", "d1", "smoke", model.OpGT, 30, 0)
	preMarkedUnhealthy.UnhealthyReason = "rules.write: rule r2: unrecognized operator \"~=\""
	uncompilable := rule("r3", "d1", "smoke", model.Operator("~="), 10, 0)

	e.snapshot.Store(e.newSnapshot([]*model.Rule{healthy, preMarkedUnhealthy, uncompilable}))

	reading := model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 80, Timestamp: time.Now()}
	candidates := e.Evaluate(reading)

	if len(candidates) != 1 {
		t.Fatalf("expected only the healthy sibling to fire, got %d candidates", len(candidates))
	}
	if candidates[0].Rule.ID != "r1" {
		t.Errorf("expected surviving candidate from r1, got %s", candidates[0].Rule.ID)
	}
}

func TestEvaluator_UnrecognizedOperatorNeverFires(t *testing.T) {
	e := New(nil, nopLogger())
	e.snapshot.Store(e.newSnapshot([]*model.Rule{
		rule("r1", "d1", "smoke", model.Operator("bogus"), 50, 0),
	}))

	reading := model.Reading{DeviceID: "d1", SensorType: "smoke", Value: 999, Timestamp: time.Now()}
	if candidates := e.Evaluate(reading); len(candidates) != 0 {
		t.Errorf("expected an uncompilable rule to never fire, got %d candidates", len(candidates))
	}
}
