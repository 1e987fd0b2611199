package mock

import (
	"context"
	"testing"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
)

func TestConnectThenSendEchoes(t *testing.T) {
	d := New(clock.Real{})
	if err := d.Connect(context.Background(), device.Config{Kind: device.KindMock}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	result, err := d.Send(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	echo, ok := result.(map[string]any)
	if !ok || echo["echo"] != "hello" {
		t.Fatalf("unexpected echo result: %+v", result)
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	d := New(clock.Real{})
	_, err := d.Send(context.Background(), []byte("x"))
	if err == nil {
		t.Fatal("expected error sending before connect")
	}
	be := bridgeerr.As(err)
	if be.Code != bridgeerr.DeviceNotConnected {
		t.Fatalf("expected DEVICE_NOT_CONNECTED, got %s", be.Code)
	}
}

func TestFailNextConnectInjectsError(t *testing.T) {
	d := New(clock.Real{})
	d.FailNextConnect = true
	err := d.Connect(context.Background(), device.Config{Kind: device.KindMock})
	if err == nil {
		t.Fatal("expected injected connect failure")
	}
	if d.Status().State != device.Error {
		t.Fatalf("expected Error state, got %s", d.Status().State)
	}
	// Second attempt succeeds since the injected failure is one-shot.
	if err := d.Connect(context.Background(), device.Config{Kind: device.KindMock}); err != nil {
		t.Fatalf("second connect should succeed: %v", err)
	}
}

func TestEmitDeliversOnEventsChannel(t *testing.T) {
	d := New(clock.Real{})
	d.Emit(map[string]any{"value": 1})
	select {
	case evt := <-d.Events():
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["value"] != 1 {
			t.Fatalf("unexpected event payload: %+v", evt.Payload)
		}
	default:
		t.Fatal("expected an event to be buffered")
	}
}
