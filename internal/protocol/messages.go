package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a device wire-protocol message.
type MessageType string

const (
	// Device to server
	MsgTypeAuth      MessageType = "auth"
	MsgTypeHeartbeat MessageType = "heartbeat"
	MsgTypeData      MessageType = "data"

	// Server to device
	MsgTypeAuthResponse      MessageType = "auth_response"
	MsgTypeHeartbeatResponse MessageType = "heartbeat_response"
)

// BaseMessage is the common envelope every wire message starts with.
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// AuthMessage authenticates a session with a bearer token.
type AuthMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// AuthResponse is the server's reply to AuthMessage.
type AuthResponse struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"` // "success" | "failure"
	Reason string      `json:"reason,omitempty"`
}

const (
	AuthStatusSuccess = "success"
	AuthStatusFailure = "failure"
)

// HeartbeatMessage refreshes session liveness.
type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

// HeartbeatResponse carries the server's clock back to the device.
type HeartbeatResponse struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// Reading is a single sensor measurement within a DataMessage.
type Reading struct {
	Type  string  `json:"type"` // temperature|humidity|smoke|co
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// DataMessage carries one or more readings from an authenticated device.
type DataMessage struct {
	Type     MessageType `json:"type"`
	Readings []Reading   `json:"readings"`
	// Timestamp is epoch milliseconds, as supplied by the device.
	Timestamp int64 `json:"timestamp"`
}

// ParseMessage parses a single JSON line into its concrete message type.
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeAuth:
		var msg AuthMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid auth message: %w", err)
		}
		if msg.Token == "" {
			return nil, fmt.Errorf("token is required")
		}
		return &msg, nil

	case MsgTypeHeartbeat:
		var msg HeartbeatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid heartbeat message: %w", err)
		}
		return &msg, nil

	case MsgTypeData:
		var msg DataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid data message: %w", err)
		}
		if err := validateData(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

func validateData(msg *DataMessage) error {
	if len(msg.Readings) == 0 {
		return fmt.Errorf("readings must not be empty")
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// EncodeMessage encodes any wire message to JSON.
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAuthResponse builds a success/failure auth_response.
func NewAuthResponse(success bool, reason string) *AuthResponse {
	resp := &AuthResponse{Type: MsgTypeAuthResponse, Status: AuthStatusFailure, Reason: reason}
	if success {
		resp.Status = AuthStatusSuccess
		resp.Reason = ""
	}
	return resp
}

// NewHeartbeatResponse builds a heartbeat_response carrying an ISO-8601 timestamp.
func NewHeartbeatResponse(timestamp string) *HeartbeatResponse {
	return &HeartbeatResponse{Type: MsgTypeHeartbeatResponse, Timestamp: timestamp}
}
