// Package registry owns the process-wide device-id → driver mapping
// (§3 Ownership, §5). Map membership is guarded by a reader/writer lock;
// every individual driver call is additionally serialized behind that
// device's own mutex so concurrent sessions addressing the same device
// never run overlapping driver operations (§4.6, §8 property 3), while
// operations on distinct devices proceed in parallel.
package registry

import (
	"context"
	"sync"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

// entry pairs a driver with the per-device mutex serializing calls to it.
type entry struct {
	mu     sync.Mutex
	driver device.Driver
}

// StateObserver is notified of every lifecycle transition a device makes,
// exactly once per transition, before the transition is observable to any
// later call (§3 invariants). The event bus implements this.
type StateObserver interface {
	OnTransition(id protocol.DeviceID, from, to device.State)
}

// Registry is the per-process device-id → driver map.
type Registry struct {
	mu       sync.RWMutex
	entries  map[protocol.DeviceID]*entry
	observer StateObserver
	lastSeen map[protocol.DeviceID]device.State
}

// New constructs an empty Registry. Drivers are added with Register before
// the registry is handed to the router.
func New(observer StateObserver) *Registry {
	return &Registry{
		entries:  map[protocol.DeviceID]*entry{},
		observer: observer,
		lastSeen: map[protocol.DeviceID]device.State{},
	}
}

// Register binds id to driver for the lifetime of the process (§3: "A
// device identifier maps to exactly one owned driver instance"). Calling
// Register twice for the same id is a programming error and panics, since
// it would violate that invariant silently otherwise.
func (r *Registry) Register(id protocol.DeviceID, d device.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		panic("registry: device already registered: " + string(id))
	}
	r.entries[id] = &entry{driver: d}
	r.lastSeen[id] = device.Disconnected
}

// Get returns the driver for id, or false if id is unknown.
func (r *Registry) Get(id protocol.DeviceID) (device.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.driver, true
}

// IDs returns every registered device id, for "all"-fan-out actions.
func (r *Registry) IDs() []protocol.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.DeviceID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// With runs fn holding id's per-device mutex, excluding any other call
// against the same device for the duration. The registry's own RWMutex is
// released before fn runs, so fn may itself take arbitrary suspension
// points (including awaiting the driver's own reader task) without
// blocking operations on other devices (§5: "no lock is held across a
// suspension point that could re-enter the same device... across
// distinct devices").
func (r *Registry) With(id protocol.DeviceID, fn func(d device.Driver) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return bridgeerr.New(bridgeerr.InvalidCommand, "unknown device: "+string(id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.driver)
}

// ObserveTransition records a driver-reported lifecycle change and
// notifies the observer exactly once, only if the state actually changed
// (duplicate reports of the same state are not re-broadcast).
func (r *Registry) ObserveTransition(id protocol.DeviceID, to device.State) {
	r.mu.Lock()
	from := r.lastSeen[id]
	if from == to {
		r.mu.Unlock()
		return
	}
	r.lastSeen[id] = to
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.OnTransition(id, from, to)
	}
}

// Snapshot returns every registered driver's current state, read from its
// Status(), for the "all.status" aggregate (§6).
func (r *Registry) Snapshot() map[protocol.DeviceID]device.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[protocol.DeviceID]device.State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.driver.Status().State
	}
	return out
}

// DisconnectAll disconnects every registered device, for the "all"
// fan-out disconnect action (§4.6).
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, id := range r.IDs() {
		_ = r.With(id, func(d device.Driver) error {
			return d.Disconnect(ctx)
		})
	}
}
