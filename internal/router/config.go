package router

import (
	"context"
	"encoding/json"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/device/lsl"
	"github.com/m0rjc/research-bridge/internal/device/ttl"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

// lslWirePayload accepts both the singular connect/configure shapes §6
// documents (lsl.connect {inlet:{...}}, lsl.configure {outlet:{...}}) and
// the plural inlets/outlets map form used by persisted device
// configuration, merging whichever is present into one device.LslConfig.
type lslWirePayload struct {
	Inlet   *device.LslInletSpec            `json:"inlet,omitempty"`
	Outlet  *device.LslOutletSpec           `json:"outlet,omitempty"`
	Inlets  map[string]device.LslInletSpec  `json:"inlets,omitempty"`
	Outlets map[string]device.LslOutletSpec `json:"outlets,omitempty"`
}

// decodeConfig parses a connect/configure payload into the device.Config
// variant matching id, seeded with that device kind's documented defaults
// (§3) before the payload's fields override them.
func decodeConfig(id protocol.DeviceID, payload json.RawMessage) (device.Config, error) {
	switch id {
	case protocol.DeviceTTL:
		cfg := device.DefaultTTLConfig()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cfg); err != nil {
				return device.Config{}, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid ttl config", err)
			}
		}
		return device.Config{Kind: device.KindTTL, TTL: cfg}, nil

	case protocol.DeviceKernel:
		cfg := device.DefaultKernelConfig()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cfg); err != nil {
				return device.Config{}, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid kernel config", err)
			}
		}
		return device.Config{Kind: device.KindKernel, Kernel: cfg}, nil

	case protocol.DevicePupil:
		cfg := device.DefaultPupilConfig()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cfg); err != nil {
				return device.Config{}, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid pupil config", err)
			}
		}
		return device.Config{Kind: device.KindPupil, Pupil: cfg}, nil

	case protocol.DeviceLSL:
		var wire lslWirePayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &wire); err != nil {
				return device.Config{}, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid lsl config", err)
			}
		}
		cfg := device.LslConfig{Inlets: map[string]device.LslInletSpec{}, Outlets: map[string]device.LslOutletSpec{}}
		for name, spec := range wire.Inlets {
			cfg.Inlets[name] = spec
		}
		for name, spec := range wire.Outlets {
			cfg.Outlets[name] = spec
		}
		if wire.Inlet != nil {
			cfg.Inlets[wire.Inlet.Name] = *wire.Inlet
		}
		if wire.Outlet != nil {
			cfg.Outlets[wire.Outlet.Name] = *wire.Outlet
		}
		return device.Config{Kind: device.KindLSL, LSL: cfg}, nil

	case protocol.DeviceMock:
		return device.Config{Kind: device.KindMock}, nil

	default:
		return device.Config{}, bridgeerr.New(bridgeerr.InvalidCommand, "unknown device: "+string(id))
	}
}

// connectPayload answers a successful "connect", shaping the response with
// the device-specific fields §6 documents (e.g. ttl.connect → {connected,
// port, latency}) instead of the bare {connected:true} every driver shares.
func connectPayload(id protocol.DeviceID, d device.Driver, latencyMs float64) any {
	st := d.Status()
	switch id {
	case protocol.DeviceTTL:
		port, _ := st.Metadata["port"].(string)
		return map[string]any{"connected": true, "port": port, "latency": latencyMs}

	case protocol.DeviceKernel:
		return map[string]any{
			"connected": true,
			"ip":        st.Metadata["ip"],
			"port":      st.Metadata["port"],
		}

	case protocol.DevicePupil:
		return map[string]any{"connected": true, "url": st.Metadata["base_url"]}

	default:
		return map[string]any{"connected": true}
	}
}

// listPayload answers the "list" action, which only the ttl (serial port
// enumeration) and lsl (stream discovery) drivers support (§4.2, §4.5).
func listPayload(ctx context.Context, id protocol.DeviceID, d device.Driver) (any, error) {
	switch drv := d.(type) {
	case *ttl.Driver:
		ports, auto, err := drv.Candidates()
		if err != nil {
			return nil, err
		}
		return map[string]any{"ports": ports, "auto_selected": auto}, nil

	case *lsl.Driver:
		streams, err := drv.Discover(ctx, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"streams": streams}, nil

	default:
		return nil, bridgeerr.New(bridgeerr.InvalidCommand, "list is not supported for device: "+string(id))
	}
}
