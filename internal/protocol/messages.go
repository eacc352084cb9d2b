// Package protocol defines the wire messages exchanged between viewers and
// the orchestration boundary.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Version is the protocol revision carried at connection time. A server may
// refuse clients speaking an unknown major revision.
const Version = "1.0"

// Message type identifiers.
const (
	TypeJoinSession    = "join_session"
	TypeSessionJoined  = "session_joined"
	TypeEndSession     = "end_session"
	TypeSessionEnded   = "session_ended"
	TypeGetState       = "get_state"
	TypeStateUpdate    = "state_update"
	TypeStateDelta     = "state_delta"
	TypeDoRound        = "do_round"
	TypeRoundCompleted = "round_completed"
	TypeProcessInput   = "process_input"
	TypeInputProcessed = "input_processed"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientInfo describes the connecting viewer.
type ClientInfo struct {
	ClientType      string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// JoinSession asks to attach to a session, creating it when the session is
// unknown and a module type is supplied.
type JoinSession struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	ModuleType string         `json:"module_type,omitempty"`
	ModuleOpts map[string]any `json:"module_opts,omitempty"`
	ClientInfo ClientInfo     `json:"client_info"`
}

// SessionJoined confirms an attach and carries the full state.
type SessionJoined struct {
	SessionID    string         `json:"session_id"`
	State        map[string]any `json:"state"`
	StateVersion uint64         `json:"state_version"`
}

// EndSession asks to end a session.
type EndSession struct {
	SessionID string `json:"session_id"`
}

// SessionEnded reports a finished session and its final metrics.
type SessionEnded struct {
	SessionID string         `json:"session_id"`
	Metrics   map[string]any `json:"metrics"`
}

// GetState requests a full state resend.
type GetState struct {
	SessionID string `json:"session_id"`
}

// StateUpdate carries a full state snapshot.
type StateUpdate struct {
	SessionID    string         `json:"session_id"`
	State        map[string]any `json:"state"`
	StateVersion uint64         `json:"state_version"`
}

// StateDelta carries the changes between two consecutive versions.
type StateDelta struct {
	SessionID    string         `json:"session_id"`
	Changes      map[string]any `json:"changes"`
	StateVersion uint64         `json:"state_version"`
	BaseVersion  uint64         `json:"base_version"`
}

// DoRound requests one training round.
type DoRound struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// RoundCompleted reports a finished round.
type RoundCompleted struct {
	SessionID     string  `json:"session_id"`
	Round         uint64  `json:"round"`
	ExecutionTime float64 `json:"execution_time"`
	Timestamp     int64   `json:"timestamp"`
}

// ProcessInput submits viewer input to a session.
type ProcessInput struct {
	SessionID string         `json:"session_id"`
	Input     map[string]any `json:"input"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// InputProcessed carries the module result back to the submitting viewer.
type InputProcessed struct {
	SessionID      string         `json:"session_id"`
	Result         map[string]any `json:"result"`
	ProcessingTime float64        `json:"processing_time"`
	Timestamp      int64          `json:"timestamp,omitempty"`
}

// ErrorMessage reports a session-level fault to the viewer.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Ping is the liveness no-op; Pong echoes its timestamp.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Encode frames a payload into an envelope and serializes it.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		raw = encoded
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode parses an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Payload unmarshals the envelope payload into the requested message type.
func Payload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
