// Package router dispatches inbound commands by (device, action) to the
// registry, tracks per-session correlation ids, enforces command
// deadlines, and records the command in the metrics collector (§4.6, §5).
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/eventbus"
	"github.com/m0rjc/research-bridge/internal/metrics"
	"github.com/m0rjc/research-bridge/internal/protocol"
	"github.com/m0rjc/research-bridge/internal/registry"
	"github.com/m0rjc/research-bridge/internal/supervisor"
)

// DefaultDeadline is the implicit per-command deadline (§5: "default 5s").
const DefaultDeadline = 5 * time.Second

// Router holds the shared dependencies every session's commands are
// dispatched against.
type Router struct {
	Registry   *registry.Registry
	Bus        *eventbus.Bus
	Metrics    *metrics.Collector
	Supervisor *supervisor.Supervisor
	Clock      clock.Clock
	Deadline   time.Duration

	// OnConfigChange, if set, is invoked with the last-known-good Config
	// after every successful connect or configure action, so the process
	// wiring can persist it and the supervisor's reconnect closure can
	// replay it (§3 "device configuration is persisted across restarts").
	OnConfigChange func(id protocol.DeviceID, cfg device.Config)
}

// New constructs a Router with the default deadline.
func New(reg *registry.Registry, bus *eventbus.Bus, mx *metrics.Collector, sup *supervisor.Supervisor, clk clock.Clock) *Router {
	return &Router{Registry: reg, Bus: bus, Metrics: mx, Supervisor: sup, Clock: clk, Deadline: DefaultDeadline}
}

// CorrelationTracker is a session-local record of correlation ids
// currently in flight, enforcing "at most one command per correlation id
// in flight to any given device at any time" (§3 invariants).
type CorrelationTracker struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCorrelationTracker constructs an empty tracker, one per session.
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{inFlight: map[string]bool{}}
}

// Begin reserves id, returning false if it is already in flight (a
// duplicate, to be rejected with INVALID_COMMAND).
func (t *CorrelationTracker) Begin(id string) bool {
	if id == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[id] {
		return false
	}
	t.inFlight[id] = true
	return true
}

// End releases id, called once the terminal response has been built,
// whether by success, error, or timeout.
func (t *CorrelationTracker) End(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// Handle dispatches cmd and returns its terminal Response. It never
// returns an error itself: every failure is folded into an error
// Response so the caller (the session write pump) only has encoding left
// to do.
func (r *Router) Handle(ctx context.Context, cmd protocol.Command, tracker *CorrelationTracker) protocol.Response {
	if cmd.HasID() && !tracker.Begin(cmd.ID) {
		return r.errorResponse(cmd, bridgeerr.New(bridgeerr.InvalidCommand, "duplicate correlation id"))
	}
	defer tracker.End(cmd.ID)

	deadline := r.Deadline
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := r.Clock.Now()
	resp, bytesIn, bytesOut := r.dispatch(ctx, cmd)
	elapsed := r.Clock.Now().Sub(start)

	r.Metrics.RecordCommand(cmd.Device, elapsed, resp.Err == nil, bytesIn, bytesOut)
	resp.ID = cmd.ID
	resp.Timestamp = r.Clock.UnixMilli()
	return resp
}

func (r *Router) errorResponse(cmd protocol.Command, err *bridgeerr.BridgeError) protocol.Response {
	return protocol.ErrorResponse(cmd.Device, cmd.ID, r.Clock.UnixMilli(), err)
}

func (r *Router) dispatch(ctx context.Context, cmd protocol.Command) (resp protocol.Response, bytesIn, bytesOut int) {
	bytesIn = len(cmd.Payload)
	defer func() {
		if b, err := json.Marshal(resp.Payload); err == nil {
			bytesOut = len(b)
		}
	}()

	if cmd.Device == protocol.DeviceAll {
		resp = r.dispatchAll(ctx, cmd)
		return
	}

	var result any
	var opErr error
	err := r.Registry.With(cmd.Device, func(d device.Driver) error {
		result, opErr = r.runAction(ctx, cmd, d)
		return nil
	})
	if err != nil {
		opErr = err
	}

	if opErr != nil {
		resp = r.errorResponse(cmd, bridgeerr.As(opErr))
		return
	}

	kind := protocol.KindStatus
	if cmd.Action == protocol.ActionList {
		kind = protocol.KindDeviceList
	} else if cmd.Action == protocol.ActionSend || cmd.Action == protocol.ActionSendPulse {
		kind = protocol.KindData
	}
	resp = protocol.Response{Kind: kind, Device: cmd.Device, Payload: result}
	return
}

func (r *Router) runAction(ctx context.Context, cmd protocol.Command, d device.Driver) (any, error) {
	switch cmd.Action {
	case protocol.ActionConnect:
		cfg, err := decodeConfig(cmd.Device, cmd.Payload)
		if err != nil {
			return nil, err
		}
		r.Supervisor.CancelPending(cmd.Device)
		connectStart := r.Clock.Now()
		connectErr := d.Connect(ctx, cfg)
		latencyMs := float64(r.Clock.Now().Sub(connectStart)) / float64(time.Millisecond)
		r.Metrics.RecordConnectionAttempt(cmd.Device, connectErr == nil)
		newState := d.Status().State
		r.Registry.ObserveTransition(cmd.Device, newState)
		if connectErr != nil {
			r.Registry.ObserveTransition(cmd.Device, device.Error)
			r.Supervisor.NotifyError(context.Background(), cmd.Device)
			return nil, connectErr
		}
		if r.OnConfigChange != nil {
			r.OnConfigChange(cmd.Device, cfg)
		}
		return connectPayload(cmd.Device, d, latencyMs), nil

	case protocol.ActionDisconnect:
		r.Supervisor.CancelPending(cmd.Device)
		if err := d.Disconnect(ctx); err != nil {
			return nil, err
		}
		r.Registry.ObserveTransition(cmd.Device, device.Disconnected)
		return map[string]any{"connected": false}, nil

	case protocol.ActionSend, protocol.ActionSendPulse, protocol.ActionSendEvent:
		result, err := d.Send(ctx, cmd.Payload)
		if err != nil {
			if bridgeerr.As(err).Code == bridgeerr.StreamError {
				r.Registry.ObserveTransition(cmd.Device, device.Error)
				r.Supervisor.NotifyError(context.Background(), cmd.Device)
			}
			return nil, err
		}
		return result, nil

	case protocol.ActionConfigure:
		cfg, err := decodeConfig(cmd.Device, cmd.Payload)
		if err != nil {
			return nil, err
		}
		if err := d.Configure(ctx, cfg); err != nil {
			return nil, err
		}
		if r.OnConfigChange != nil {
			r.OnConfigChange(cmd.Device, cfg)
		}
		return map[string]any{"configured": true}, nil

	case protocol.ActionStatus:
		st := d.Status()
		return map[string]any{"state": st.State, "last_error": st.LastErr, "metadata": st.Metadata}, nil

	case protocol.ActionTestConnection:
		result, err := d.TestConnection(ctx)
		if err != nil {
			return nil, err
		}
		if !result.Reachable {
			reason := result.Reason
			if reason == "" {
				reason = reachFailureMessage(cmd.Device)
			}
			return nil, bridgeerr.New(bridgeerr.Timeout, reason)
		}
		return map[string]any{"reachable": true}, nil

	case protocol.ActionList:
		return listPayload(ctx, cmd.Device, d)

	case protocol.ActionMetrics:
		return r.Metrics.Snapshot(cmd.Device), nil

	default:
		return nil, bridgeerr.New(bridgeerr.InvalidCommand, "unknown action: "+string(cmd.Action))
	}
}

func reachFailureMessage(id protocol.DeviceID) string {
	return string(id) + " device is not reachable"
}

func (r *Router) dispatchAll(ctx context.Context, cmd protocol.Command) protocol.Response {
	switch cmd.Action {
	case protocol.ActionStatus:
		snap := r.Registry.Snapshot()
		return protocol.Response{Kind: protocol.KindStatus, Device: protocol.DeviceAll, Payload: map[string]any{"devices": snap}}

	case protocol.ActionDisconnect:
		r.Registry.DisconnectAll(ctx)
		return protocol.Response{Kind: protocol.KindStatus, Device: protocol.DeviceAll, Payload: map[string]any{"disconnected": true}}

	case protocol.ActionMetrics:
		return protocol.Response{Kind: protocol.KindStatus, Device: protocol.DeviceAll, Payload: r.Metrics.SnapshotAll()}

	default:
		return r.errorResponse(cmd, bridgeerr.New(bridgeerr.InvalidCommand, "action not supported for device 'all': "+string(cmd.Action)))
	}
}
