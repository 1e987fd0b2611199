// Package device defines the polymorphic device contract (§4.1), the
// lifecycle state machine (§3), and the device configuration sum type
// every driver implements against.
package device

import (
	"context"
	"fmt"

	"github.com/m0rjc/research-bridge/internal/clock"
)

// State is a device's lifecycle state (§3).
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Streaming    State = "streaming"
	Error        State = "error"
)

// transitions is the valid-transition graph from §3, exposed through
// ValidTransition. The drivers and the supervisor do not consult it; they
// set states directly.
var transitions = map[State]map[State]bool{
	Disconnected: {Connecting: true},
	Connecting:   {Connected: true, Error: true},
	Connected:    {Streaming: true, Disconnected: true, Error: true},
	Streaming:    {Connected: true, Disconnected: true, Error: true},
	Error:        {Connecting: true},
}

// ValidTransition reports whether moving from 'from' to 'to' is permitted
// by the lifecycle graph in §3.
func ValidTransition(from, to State) bool {
	return transitions[from][to]
}

// Kind discriminates the Config sum type.
type Kind string

const (
	KindTTL    Kind = "ttl"
	KindKernel Kind = "kernel"
	KindPupil  Kind = "pupil"
	KindLSL    Kind = "lsl"
	KindMock   Kind = "mock"
)

// TTLConfig is the TTL serial driver's configuration (§3).
type TTLConfig struct {
	PortPath        string `json:"port"`
	Baud            uint32 `json:"baud"`
	PulseDurationMs uint32 `json:"pulse_duration_ms"`
}

// DefaultTTLConfig returns the TTL defaults from §3.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{Baud: 115200, PulseDurationMs: 10}
}

// KernelConfig is the Kernel TCP fNIRS driver's configuration (§3).
type KernelConfig struct {
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
	ReconnectMax  uint32 `json:"reconnect_max"`
	HeartbeatMs   uint32 `json:"heartbeat_ms"`
	AutoReconnect bool   `json:"auto_reconnect"`
}

// DefaultKernelConfig returns the Kernel defaults from §3.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{Port: 6767, ReconnectMax: 5, HeartbeatMs: 2000, AutoReconnect: true}
}

// PupilConfig is the Pupil Labs Neon driver's configuration (§3).
type PupilConfig struct {
	BaseURL          string `json:"url"`
	RequestTimeoutMs uint32 `json:"request_timeout_ms"`
}

// DefaultPupilConfig returns the Pupil defaults from §3.
func DefaultPupilConfig() PupilConfig {
	return PupilConfig{RequestTimeoutMs: 3000}
}

// LslInletSpec describes one LSL inlet the driver should resolve and bind.
type LslInletSpec struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Predicates []string `json:"predicates,omitempty"`
}

// LslOutletSpec describes one LSL outlet the driver should advertise.
type LslOutletSpec struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	ChannelCount   int     `json:"channel_count"`
	SamplingRateHz float64 `json:"sampling_rate"`
	Format         string  `json:"format"`
}

// LslConfig is the LSL driver's configuration (§3). Inlets/outlets are
// modeled as sets keyed by name since each name must be unique within its
// kind.
type LslConfig struct {
	Inlets  map[string]LslInletSpec  `json:"inlets"`
	Outlets map[string]LslOutletSpec `json:"outlets"`
}

// Config is the sum-type device configuration, discriminated by Kind. Only
// the field matching Kind is meaningful.
type Config struct {
	Kind   Kind
	TTL    TTLConfig
	Kernel KernelConfig
	Pupil  PupilConfig
	LSL    LslConfig
}

func (c Config) String() string {
	return fmt.Sprintf("Config{kind=%s}", c.Kind)
}

// ReachResult is the outcome of test_connection.
type ReachResult struct {
	Reachable bool
	Reason    string
}

// Status is the point-in-time lifecycle snapshot returned by status().
type Status struct {
	State    State
	LastErr  string
	Metadata map[string]any
}

// DataEvent is an unsolicited datum a driver publishes on its inbound
// stream (a fNIRS frame, an LSL sample, a TTL pulse ack).
type DataEvent struct {
	Payload any
	At      clock.Instant
}

// Driver is the polymorphic contract every device variant implements
// (§4.1). The registry serializes calls to a single driver instance
// behind a per-device mutex, so a Driver implementation itself need not be
// internally re-entrant across Connect/Send/Configure, only safe to call
// from one goroutine at a time while its background reader/heartbeat tasks
// run independently.
type Driver interface {
	// Connect opens the transport and moves the device to Connected.
	Connect(ctx context.Context, cfg Config) error

	// Disconnect closes the transport and moves the device to
	// Disconnected. Calling Disconnect twice in a row is a no-op
	// returning nil the second time.
	Disconnect(ctx context.Context) error

	// Send performs a driver-defined action and returns its
	// acknowledgment payload. Must fail fast with DEVICE_NOT_CONNECTED
	// outside Connected/Streaming.
	Send(ctx context.Context, payload []byte) (any, error)

	// TestConnection probes reachability without altering persistent
	// state.
	TestConnection(ctx context.Context) (ReachResult, error)

	// Heartbeat refreshes liveness without altering persistent state
	// beyond internal liveness bookkeeping.
	Heartbeat(ctx context.Context) error

	// Configure applies a new Config, possibly requiring a reconnect.
	Configure(ctx context.Context, cfg Config) error

	// Status returns the current lifecycle snapshot.
	Status() Status

	// Events returns the channel on which the driver publishes
	// unsolicited DataEvent values. The same channel is returned for the
	// driver's whole lifetime; Disconnect does not close it.
	Events() <-chan DataEvent
}
