// Package protocol defines the wire envelope (§6) and its JSON codec, and
// the internal Command/Response values the router and drivers exchange.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
)

// ResponseKind is the "type" field of an outbound envelope.
type ResponseKind string

const (
	KindStatus     ResponseKind = "status"
	KindData       ResponseKind = "data"
	KindError      ResponseKind = "error"
	KindDeviceList ResponseKind = "device_list"
)

// DeviceID is one of the closed set of device identifiers, plus the
// meta-id "all".
type DeviceID string

const (
	DeviceTTL    DeviceID = "ttl"
	DeviceKernel DeviceID = "kernel"
	DevicePupil  DeviceID = "pupil"
	DeviceLSL    DeviceID = "lsl"
	DeviceMock   DeviceID = "mock"
	DeviceAll    DeviceID = "all"
)

// Action is the "action" field of an inbound command envelope.
type Action string

const (
	ActionConnect        Action = "connect"
	ActionDisconnect      Action = "disconnect"
	ActionSend            Action = "send"
	ActionConfigure       Action = "configure"
	ActionStatus          Action = "status"
	ActionList            Action = "list"
	ActionTestConnection  Action = "test_connection"
	ActionSendEvent       Action = "send_event"
	ActionSendPulse       Action = "send_pulse"
	ActionMetrics         Action = "metrics"
)

// inboundWire is the literal JSON shape of a client→bridge frame.
type inboundWire struct {
	Type    string          `json:"type"`
	Device  DeviceID        `json:"device"`
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// outboundWire is the literal JSON shape of a bridge→client frame.
type outboundWire struct {
	Type      ResponseKind    `json:"type"`
	Device    DeviceID        `json:"device"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// Command is the decoded, in-memory form of an inbound envelope.
type Command struct {
	Device  DeviceID
	Action  Action
	Payload json.RawMessage
	ID      string // empty means uncorrelated
}

// HasID reports whether the command carries a client correlation id.
func (c Command) HasID() bool { return c.ID != "" }

// Response is the in-memory form of an outbound envelope, built by drivers
// and the router before encoding.
type Response struct {
	Kind      ResponseKind
	Device    DeviceID
	Payload   any
	Status    string
	ID        string
	Timestamp int64
	Err       *bridgeerr.BridgeError
}

// DecodeCommand parses a single text frame into a Command. Any error it
// returns should be surfaced to the client as INVALID_COMMAND; the ID is
// best-effort recovered even from a structurally valid-but-wrong envelope
// so the error response can still be correlated.
func DecodeCommand(raw []byte) (Command, error) {
	var w inboundWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if w.Type != "" && w.Type != "command" {
		return Command{ID: w.ID}, fmt.Errorf("unsupported envelope type %q", w.Type)
	}
	if w.Device == "" {
		return Command{ID: w.ID}, fmt.Errorf("missing device")
	}
	if w.Action == "" {
		return Command{ID: w.ID, Device: w.Device}, fmt.Errorf("missing action")
	}
	return Command{
		Device:  w.Device,
		Action:  w.Action,
		Payload: w.Payload,
		ID:      w.ID,
	}, nil
}

// EncodeResponse renders a Response as the wire JSON text frame.
func EncodeResponse(r Response) ([]byte, error) {
	w := outboundWire{
		Type:      r.Kind,
		Device:    r.Device,
		Status:    r.Status,
		ID:        r.ID,
		Timestamp: r.Timestamp,
	}
	if r.Payload != nil {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = payload
	}
	if r.Err != nil {
		w.Error = r.Err.Message
		w.Code = string(r.Err.Code)
	}
	return json.Marshal(w)
}

// ErrorResponse builds a terminal error Response, preserving the
// correlation id per the "a failing command always produces exactly one
// error envelope with id preserved" invariant (§7).
func ErrorResponse(device DeviceID, id string, timestamp int64, err *bridgeerr.BridgeError) Response {
	return Response{
		Kind:      KindError,
		Device:    device,
		ID:        id,
		Timestamp: timestamp,
		Err:       err,
	}
}
