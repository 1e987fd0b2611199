package lsl

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
)

func fakeResolve(streams []StreamInfo, err error) resolverFunc {
	return func(ctx context.Context, budget time.Duration) ([]StreamInfo, error) {
		return streams, err
	}
}

func fakeAdvertise(shutdownCalls *int) advertiserFunc {
	return func(info StreamInfo) (func(), error) {
		return func() { *shutdownCalls++ }, nil
	}
}

func TestConnectInletBindsMatchingStream(t *testing.T) {
	streams := []StreamInfo{{Name: "eeg-01", Type: "EEG", SamplingRateHz: 250, ChannelCount: 8}}
	d := New(clock.Real{}, fakeResolve(streams, nil), nil)

	req := map[string]any{"inlet": device.LslInletSpec{Name: "eeg-01", Type: "EEG"}}
	payload, _ := json.Marshal(req)

	result, err := d.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resultMap, ok := result.(map[string]any)
	if !ok || resultMap["connected"] != true {
		t.Fatalf("unexpected connect_inlet result: %+v", result)
	}
	if d.Status().State != device.Connected {
		t.Fatalf("expected Connected after binding an inlet, got %s", d.Status().State)
	}
}

func TestConnectInletNoMatchFails(t *testing.T) {
	d := New(clock.Real{}, fakeResolve(nil, nil), nil)
	req := map[string]any{"inlet": device.LslInletSpec{Name: "missing"}}
	payload, _ := json.Marshal(req)

	_, err := d.Send(context.Background(), payload)
	if err == nil {
		t.Fatal("expected error when no stream matches")
	}
	if bridgeerr.As(err).Code != bridgeerr.ConnectionFailed {
		t.Fatalf("expected CONNECTION_FAILED, got %s", bridgeerr.As(err).Code)
	}
}

func TestCreateOutletAdvertises(t *testing.T) {
	var shutdowns int
	d := New(clock.Real{}, nil, fakeAdvertise(&shutdowns))

	req := map[string]any{"outlet": device.LslOutletSpec{Name: "markers", Type: "Markers", ChannelCount: 1}}
	payload, _ := json.Marshal(req)

	result, err := d.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resultMap, ok := result.(map[string]any)
	if !ok || resultMap["created"] != true {
		t.Fatalf("unexpected create_outlet result: %+v", result)
	}

	if err := d.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if shutdowns != 1 {
		t.Fatalf("expected outlet shutdown to run once, got %d", shutdowns)
	}
}

func TestEnqueueSampleRequiresExistingOutlet(t *testing.T) {
	d := New(clock.Real{}, nil, nil)
	req := map[string]any{"values": []float64{1, 2, 3}, "outlet": "nonexistent"}
	payload, _ := json.Marshal(req)

	_, err := d.Send(context.Background(), payload)
	if err == nil {
		t.Fatal("expected error enqueuing to a missing outlet")
	}
	if bridgeerr.As(err).Code != bridgeerr.DeviceNotConnected {
		t.Fatalf("expected DEVICE_NOT_CONNECTED, got %s", bridgeerr.As(err).Code)
	}
}

func TestConnectBindsEveryConfiguredInlet(t *testing.T) {
	streams := []StreamInfo{{Name: "eeg-01", Type: "EEG", SamplingRateHz: 250, ChannelCount: 8}}
	d := New(clock.Real{}, fakeResolve(streams, nil), nil)

	cfg := device.Config{Kind: device.KindLSL, LSL: device.LslConfig{
		Inlets: map[string]device.LslInletSpec{"eeg-01": {Name: "eeg-01", Type: "EEG"}},
	}}
	if err := d.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if d.Status().State != device.Connected {
		t.Fatalf("expected Connected after Connect binds an inlet, got %s", d.Status().State)
	}
}

func TestConfigureAdvertisesEveryConfiguredOutlet(t *testing.T) {
	var shutdowns int
	d := New(clock.Real{}, nil, fakeAdvertise(&shutdowns))

	cfg := device.Config{Kind: device.KindLSL, LSL: device.LslConfig{
		Outlets: map[string]device.LslOutletSpec{"markers": {Name: "markers", Type: "Markers", ChannelCount: 1}},
	}}
	if err := d.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if d.Status().State != device.Connected {
		t.Fatalf("expected Connected after Configure advertises an outlet, got %s", d.Status().State)
	}
}

func TestDiscoverUsesDefaultBudget(t *testing.T) {
	called := false
	resolve := func(ctx context.Context, budget time.Duration) ([]StreamInfo, error) {
		called = true
		if budget != defaultResolveTime {
			t.Fatalf("expected default budget to be applied, got %s", budget)
		}
		return nil, nil
	}
	d := New(clock.Real{}, resolve, nil)
	if _, err := d.Discover(context.Background(), 0); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !called {
		t.Fatal("expected resolve to be invoked")
	}
}
