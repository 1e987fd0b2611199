// Package supervisor implements the per-device reconnection supervisor
// (§4.7): exponential backoff with jitter on transition to Error, a single
// outstanding reconnect attempt per device, and cancellation whenever an
// explicit connect/disconnect replaces the plan.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
	jitterFrac  = 0.2
)

// Reconnector is implemented by the registry-bound closure that performs a
// single reconnect attempt for one device id.
type Reconnector func(ctx context.Context, id protocol.DeviceID) error

// Supervisor runs one background task per device under supervision. Tasks
// are created lazily on the device's first transition to Error and
// terminate when the parent context is cancelled.
type Supervisor struct {
	reconnect   Reconnector
	autoReconnect func(protocol.DeviceID) bool

	mu    sync.Mutex
	tasks map[protocol.DeviceID]*deviceTask
}

type deviceTask struct {
	cancel  context.CancelFunc
	attempt int
}

// New constructs a Supervisor. autoReconnect reports whether a device's
// persisted config enables auto-reconnect (§3 configuration,
// §9 "TTL supervisor does not automatically reconnect"); reconnect
// performs a single attempt (registry.With(id, driver.Connect)).
func New(reconnect Reconnector, autoReconnect func(protocol.DeviceID) bool) *Supervisor {
	return &Supervisor{
		reconnect:     reconnect,
		autoReconnect: autoReconnect,
		tasks:         map[protocol.DeviceID]*deviceTask{},
	}
}

// NotifyError is called by the router/registry wiring on every
// observed transition to device.Error. It schedules a reconnect attempt
// if the device's config declares auto_reconnect, cancelling and
// replacing any already-scheduled attempt for the same device so at most
// one is ever outstanding.
func (s *Supervisor) NotifyError(ctx context.Context, id protocol.DeviceID) {
	if s.autoReconnect != nil && !s.autoReconnect(id) {
		return
	}
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &deviceTask{cancel: cancel}
	s.tasks[id] = t
	s.mu.Unlock()

	go s.run(taskCtx, id, t)
}

// CancelPending cancels any scheduled reconnect for id; explicit connect
// or disconnect commands call this to replace the supervisor's plan
// (§4.7).
func (s *Supervisor) CancelPending(id protocol.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
}

func (s *Supervisor) run(ctx context.Context, id protocol.DeviceID, t *deviceTask) {
	for {
		delay := backoffDelay(t.attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.reconnect(ctx, id); err != nil {
			if isPermissionDenied(err) {
				// Non-retriable: stays Error until the user
				// reconfigures (§7).
				return
			}
			t.attempt++
			continue
		}
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		return
	}
}

func isPermissionDenied(err error) bool {
	var be *bridgeerr.BridgeError
	if errors.As(err, &be) {
		return be.Code == bridgeerr.PermissionDenied
	}
	return false
}

// backoffDelay computes the exponential backoff with ±20% jitter,
// starting at 1s, doubling, capped at 30s (§4.3, §4.7).
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > maxBackoff {
			d = maxBackoff
			break
		}
	}
	jitter := (rand.Float64()*2 - 1) * jitterFrac * float64(d)
	withJitter := time.Duration(float64(d) + jitter)
	if withJitter < 0 {
		withJitter = 0
	}
	return withJitter
}

// HeartbeatScheduler runs a device's Heartbeat on a fixed interval until
// its context is cancelled, for drivers whose transport does not run its
// own internal ping loop (pupil, mock). cmd/bridge does not start it.
func HeartbeatScheduler(ctx context.Context, interval time.Duration, d device.Driver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.Heartbeat(ctx)
		}
	}
}
