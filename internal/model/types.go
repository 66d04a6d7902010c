// Package model holds the domain entities shared across the pipeline:
// readings, rules, alarms and their supporting value types. Wire framing
// for the device protocol lives in internal/protocol; these types are
// the ones components pass to each other in-process and over the queue.
package model

import "time"

// Location tags a reading or alarm to a physical place. Any field may be
// empty; the alarm consumer picks the suppression agent from Room and the
// zone ID from Room, then Zone, then Building.
type Location struct {
	Building string `json:"building,omitempty"`
	Floor    string `json:"floor,omitempty"`
	Room     string `json:"room,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// Reading is one sensor measurement, keyed by allocator ID once assigned.
type Reading struct {
	ID         uint64            `json:"id"`
	DeviceID   string            `json:"device_id"`
	SensorType string            `json:"sensor_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Timestamp  time.Time         `json:"timestamp"`
	Location   *Location         `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Operator is a rule comparison operator.
type Operator string

const (
	OpGT  Operator = ">"
	OpGE  Operator = "≥"
	OpLT  Operator = "<"
	OpLE  Operator = "≤"
	OpEQ  Operator = "="
	OpNEQ Operator = "≠"
)

// Valid reports whether op is one of the recognized comparison
// operators the Stream Evaluator's breaches() knows how to apply. The
// Rule Store and the evaluator both check this against the same set so
// a rule that fails compilation in one is not silently accepted by the
// other.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNEQ:
		return true
	default:
		return false
	}
}

// Severity is an alarm severity level.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rule is a threshold condition an operator has configured for a
// (device_id, sensor_type) pair. Multiple rules may share the same pair.
type Rule struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	DeviceID       string            `json:"device_id"`
	SensorType     string            `json:"sensor_type"`
	Operator       Operator          `json:"operator"`
	Threshold      float64           `json:"threshold"`
	Epsilon        float64           `json:"epsilon,omitempty"`
	WindowSeconds  int               `json:"window_seconds"`
	Severity       Severity          `json:"severity"`
	AlarmType      string            `json:"alarm_type"`
	Location       *Location         `json:"location,omitempty"`
	Enabled        bool              `json:"enabled"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// UnhealthyReason is non-empty when this rule failed compilation
	// (e.g. an unrecognized operator) and is being excluded from
	// evaluation. Empty means healthy. Fixing the rule via Update and
	// passing validation clears it.
	UnhealthyReason string `json:"unhealthy_reason,omitempty"`
}

// Fingerprint identifies a rule+device+sensor combination for
// deduplication and windowed first-match purposes.
type Fingerprint struct {
	RuleID     string
	DeviceID   string
	SensorType string
}

// String renders the fingerprint as a stable dedup/window key.
func (f Fingerprint) String() string {
	return f.RuleID + ":" + f.DeviceID + ":" + f.SensorType
}

// AlarmEvent is an emitted alarm. Once produced it is immutable except
// for the Acknowledged/Resolved transitions.
type AlarmEvent struct {
	ID           uint64            `json:"id"`
	DeviceID     string            `json:"device_id"`
	AlarmType    string            `json:"alarm_type"`
	Severity     Severity          `json:"severity"`
	Value        float64           `json:"value"`
	Unit         string            `json:"unit"`
	Timestamp    time.Time         `json:"timestamp"`
	Location     Location          `json:"location"`
	Acknowledged bool              `json:"acknowledged"`
	Resolved     bool              `json:"resolved"`
	ResolvedBy   string            `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Candidate is a rule match awaiting dedup + enrichment + ID assignment.
type Candidate struct {
	Rule    *Rule
	Reading Reading
}

// SuppressionType enumerates the fire-suppression agents.
type SuppressionType string

const (
	SuppressionWater SuppressionType = "water"
	SuppressionFoam  SuppressionType = "foam"
	SuppressionGas   SuppressionType = "gas"
)

// SuppressionState is the at-most-one-active-suppression-per-device record.
type SuppressionState struct {
	DeviceID     string          `json:"device_id"`
	ZoneID       string          `json:"zone_id"`
	Type         SuppressionType `json:"type"`
	Intensity    int             `json:"intensity"`
	ActivatedAt  time.Time       `json:"activated_at"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// SuppressionEvent is published after a successful activate_suppression.
type SuppressionEvent struct {
	Event     string          `json:"event"`
	DeviceID  string          `json:"device_id"`
	ZoneID    string          `json:"zone_id"`
	Type      SuppressionType `json:"type"`
	Intensity int             `json:"intensity"`
	Timestamp int64           `json:"timestamp"`
}
