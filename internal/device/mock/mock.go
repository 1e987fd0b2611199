// Package mock implements device.Driver entirely in memory. It backs the
// "mock" device id and is also embedded directly into unit tests for the
// registry, router, and event bus where no real transport is wanted.
package mock

import (
	"context"
	"sync"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
)

// Driver is an in-memory stand-in for a physical device. Send echoes its
// payload back as the acknowledgment; Connect/Disconnect/TestConnection
// never fail unless FailNextConnect is set.
type Driver struct {
	clk clock.Clock

	mu              sync.Mutex
	state           device.State
	lastErr         string
	cfg             device.Config
	FailNextConnect bool

	events chan device.DataEvent
}

// New constructs a Mock driver using the given clock (tests may supply a
// fake; production wiring uses clock.Real{}).
func New(clk clock.Clock) *Driver {
	return &Driver{
		clk:    clk,
		state:  device.Disconnected,
		events: make(chan device.DataEvent, 64),
	}
}

func (d *Driver) Connect(ctx context.Context, cfg device.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextConnect {
		d.FailNextConnect = false
		d.state = device.Error
		d.lastErr = "mock connect failure injected"
		return bridgeerr.New(bridgeerr.ConnectionFailed, d.lastErr)
	}
	d.cfg = cfg
	d.state = device.Connected
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = device.Disconnected
	return nil
}

func (d *Driver) Send(ctx context.Context, payload []byte) (any, error) {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	if st != device.Connected && st != device.Streaming {
		return nil, bridgeerr.New(bridgeerr.DeviceNotConnected, "mock device is not connected")
	}
	return map[string]any{"echo": string(payload)}, nil
}

func (d *Driver) TestConnection(ctx context.Context) (device.ReachResult, error) {
	return device.ReachResult{Reachable: true}, nil
}

func (d *Driver) Heartbeat(ctx context.Context) error {
	return nil
}

func (d *Driver) Configure(ctx context.Context, cfg device.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *Driver) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.Status{State: d.state, LastErr: d.lastErr}
}

func (d *Driver) Events() <-chan device.DataEvent {
	return d.events
}

// Emit publishes a DataEvent to the driver's inbound stream, for tests
// that exercise the fan-out path without a real reader task.
func (d *Driver) Emit(payload any) {
	d.events <- device.DataEvent{Payload: payload, At: d.clk.Now()}
}
