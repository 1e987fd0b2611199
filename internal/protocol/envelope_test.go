package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
)

func TestDecodeCommandRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"command","device":"ttl","action":"send_pulse","payload":{"command":"PULSE"},"id":"abc-1"}`)
	cmd, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Device != DeviceTTL || cmd.Action != ActionSendPulse || cmd.ID != "abc-1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	var payload map[string]string
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"command": "PULSE"}, payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCommandMissingDeviceRecoversID(t *testing.T) {
	raw := []byte(`{"action":"status","id":"keep-me"}`)
	cmd, err := DecodeCommand(raw)
	if err == nil {
		t.Fatal("expected error for missing device")
	}
	if cmd.ID != "keep-me" {
		t.Fatalf("expected id to be recovered, got %q", cmd.ID)
	}
}

func TestDecodeCommandInvalidJSON(t *testing.T) {
	if _, err := DecodeCommand([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	resp := Response{
		Kind:      KindStatus,
		Device:    DeviceKernel,
		Payload:   map[string]any{"state": "connected"},
		ID:        "corr-1",
		Timestamp: 1234,
	}
	raw, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "status" || decoded["device"] != "kernel" || decoded["id"] != "corr-1" {
		t.Fatalf("unexpected wire shape: %+v", decoded)
	}
}

func TestErrorResponsePreservesID(t *testing.T) {
	err := bridgeerr.New(bridgeerr.DeviceNotConnected, "ttl device is not connected")
	resp := ErrorResponse(DeviceTTL, "corr-9", 99, err)
	if resp.ID != "corr-9" {
		t.Fatalf("expected id preserved on error response, got %q", resp.ID)
	}
	raw, encErr := EncodeResponse(resp)
	if encErr != nil {
		t.Fatalf("encode: %v", encErr)
	}
	var decoded map[string]any
	if jErr := json.Unmarshal(raw, &decoded); jErr != nil {
		t.Fatalf("unmarshal: %v", jErr)
	}
	if decoded["code"] != string(bridgeerr.DeviceNotConnected) {
		t.Fatalf("expected code in envelope, got %+v", decoded)
	}
}
