package protocol

import (
	"encoding/json"
	"time"

	"github.com/firecore/platform/internal/model"
)

// SensorEnvelope is what the gateway publishes to the sensor-data topic:
// one pre-filtered reading plus the session metadata it arrived with.
type SensorEnvelope struct {
	ConnectionID   string        `json:"connection_id"`
	DeviceID       string        `json:"device_id"`
	ReceivedAt     time.Time     `json:"received_at"`
	PreprocessedAt time.Time     `json:"preprocessed_at"`
	Reading        model.Reading `json:"reading"`
}

// EncodeSensorEnvelope encodes a SensorEnvelope to JSON.
func EncodeSensorEnvelope(msg *SensorEnvelope) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSensorEnvelope decodes JSON to a SensorEnvelope.
func DecodeSensorEnvelope(data []byte) (*SensorEnvelope, error) {
	var msg SensorEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeAlarmEvent encodes an AlarmEvent to JSON for the alarm-events topic.
func EncodeAlarmEvent(alarm *model.AlarmEvent) ([]byte, error) {
	return json.Marshal(alarm)
}

// DecodeAlarmEvent decodes JSON to an AlarmEvent.
func DecodeAlarmEvent(data []byte) (*model.AlarmEvent, error) {
	var alarm model.AlarmEvent
	if err := json.Unmarshal(data, &alarm); err != nil {
		return nil, err
	}
	return &alarm, nil
}
