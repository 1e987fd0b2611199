// Package pupil implements the Pupil Labs Neon Companion HTTP REST driver
// (§4.4). Connect/heartbeat/test_connection are synchronous HTTP calls
// against /api/status, and disconnect only clears the cached status;
// recording control is normalized under
// Send with a "command" discriminator per the spec's Open Question.
package pupil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/device"
)

// envelope is the {message, result} shape every Pupil REST response uses.
type envelope struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// statusRecord is one heterogeneous element of the /api/status array,
// discriminated by Model (§4.4, §9 "Pupil status heterogeneity").
type statusRecord struct {
	Model string          `json:"model"`
	Data  json.RawMessage `json:"data"`
}

// NeonStatus is the aggregate folded from the /api/status array.
type NeonStatus struct {
	Connected bool                       `json:"connected"`
	Phone     map[string]any             `json:"phone,omitempty"`
	Hardware  map[string]any             `json:"hardware,omitempty"`
	Sensors   map[string]map[string]any  `json:"sensors,omitempty"`
	Recording map[string]any             `json:"recording,omitempty"`
}

// Driver is the Pupil Labs Neon REST driver.
type Driver struct {
	httpClient *http.Client

	mu      sync.Mutex
	state   device.State
	lastErr string
	cfg     device.PupilConfig
	cached  NeonStatus

	events chan device.DataEvent
}

// New constructs a Pupil driver with the given HTTP client (tests pass a
// client pointed at an httptest.Server).
func New(httpClient *http.Client) *Driver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Driver{
		httpClient: httpClient,
		state:      device.Disconnected,
		events:     make(chan device.DataEvent, 16),
	}
}

func (d *Driver) timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.RequestTimeoutMs == 0 {
		return time.Duration(device.DefaultPupilConfig().RequestTimeoutMs) * time.Millisecond
	}
	return time.Duration(d.cfg.RequestTimeoutMs) * time.Millisecond
}

func (d *Driver) baseURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSuffix(d.cfg.BaseURL, "/")
}

// Connect is defined as a successful GET /api/status (§4.4).
func (d *Driver) Connect(ctx context.Context, cfg device.Config) error {
	pc := cfg.Pupil
	if pc.BaseURL == "" {
		return bridgeerr.New(bridgeerr.InvalidConfiguration, "base_url is required")
	}
	if pc.RequestTimeoutMs == 0 {
		pc.RequestTimeoutMs = device.DefaultPupilConfig().RequestTimeoutMs
	}

	d.mu.Lock()
	d.cfg = pc
	d.state = device.Connecting
	d.mu.Unlock()

	status, err := d.fetchStatus(ctx)
	if err != nil {
		d.mu.Lock()
		d.state = device.Error
		d.lastErr = err.Error()
		d.mu.Unlock()
		return bridgeerr.Wrap(bridgeerr.ConnectionFailed, "pupil status query failed", err)
	}

	d.mu.Lock()
	d.state = device.Connected
	d.cached = status
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = device.Disconnected
	d.cached = NeonStatus{}
	return nil
}

func (d *Driver) fetchStatus(ctx context.Context) (NeonStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL()+"/api/status", nil)
	if err != nil {
		return NeonStatus{}, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return NeonStatus{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NeonStatus{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NeonStatus{}, fmt.Errorf("pupil status returned HTTP %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return NeonStatus{}, err
	}
	var records []statusRecord
	if err := json.Unmarshal(env.Result, &records); err != nil {
		return NeonStatus{}, err
	}
	return foldStatus(records), nil
}

// foldStatus parses the heterogeneous status array by Model and folds it
// into the NeonStatus aggregate, assuming no particular ordering or
// presence of records (§9).
func foldStatus(records []statusRecord) NeonStatus {
	out := NeonStatus{Sensors: map[string]map[string]any{}}
	for _, rec := range records {
		var data map[string]any
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			continue
		}
		switch rec.Model {
		case "Phone":
			out.Phone = data
		case "Hardware":
			out.Hardware = data
		case "Sensor":
			name, _ := data["sensor"].(string)
			if name == "" {
				name = fmt.Sprintf("sensor%d", len(out.Sensors))
			}
			out.Sensors[name] = data
			if connected, _ := data["connected"].(bool); connected {
				out.Connected = true
			}
		case "Recording":
			rec := map[string]any{}
			for k, v := range data {
				rec[k] = v
			}
			if action, _ := data["action"].(string); action == "START" {
				rec["active"] = true
			} else {
				rec["active"] = false
			}
			out.Recording = rec
		}
	}
	return out
}

// sendCommand is the {"command": ..., ...} payload Send expects (§4.4,
// §9 normalizes recording control under Send).
type sendCommand struct {
	Command     string `json:"command"`
	Name        string `json:"name,omitempty"`
	TimestampNs *int64 `json:"timestamp_ns,omitempty"`
}

func (d *Driver) Send(ctx context.Context, payload []byte) (any, error) {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	if st != device.Connected && st != device.Streaming {
		return nil, bridgeerr.New(bridgeerr.DeviceNotConnected, "pupil device is not connected")
	}

	var cmd sendCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid pupil send payload", err)
	}

	switch cmd.Command {
	case "recording_start":
		return d.post(ctx, "/api/recording:start", nil, true)
	case "recording_stop":
		return d.post(ctx, "/api/recording:stop_and_save", nil, false)
	case "recording_cancel":
		return d.post(ctx, "/api/recording:cancel", nil, false)
	case "event":
		ts := cmd.TimestampNs
		if ts == nil {
			now := time.Now().UnixNano()
			ts = &now
		}
		body := map[string]any{"name": cmd.Name, "timestamp_ns": *ts}
		return d.post(ctx, "/api/event", body, false)
	default:
		return nil, bridgeerr.New(bridgeerr.InvalidCommand, "unknown pupil command: "+cmd.Command)
	}
}

func (d *Driver) post(ctx context.Context, path string, body any, wantUUID bool) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid pupil request body", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL()+path, reader)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StreamError, "failed to build pupil request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StreamError, "pupil request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, bridgeerr.New(bridgeerr.StreamError, fmt.Sprintf("pupil returned HTTP %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StreamError, "invalid pupil response", err)
	}

	var result map[string]any
	_ = json.Unmarshal(env.Result, &result)
	if result == nil {
		result = map[string]any{}
	}
	if wantUUID {
		if _, ok := result["id"]; !ok {
			result["id"] = uuid.NewString()
		}
	}
	return result, nil
}

// TestConnection: GET /api/status with a 3s timeout; Unreachable on
// timeout or any transport failure (§4.4).
func (d *Driver) TestConnection(ctx context.Context) (device.ReachResult, error) {
	if d.baseURL() == "" {
		return device.ReachResult{Reachable: false, Reason: "no base_url configured"}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := d.fetchStatus(ctx); err != nil {
		return device.ReachResult{Reachable: false, Reason: "pupil device is not reachable"}, nil
	}
	return device.ReachResult{Reachable: true}, nil
}

// Heartbeat re-fetches status and refreshes the cache (§4.4).
func (d *Driver) Heartbeat(ctx context.Context) error {
	status, err := d.fetchStatus(ctx)
	if err != nil {
		d.mu.Lock()
		d.state = device.Error
		d.lastErr = err.Error()
		d.mu.Unlock()
		return bridgeerr.Wrap(bridgeerr.StreamError, "pupil heartbeat failed", err)
	}
	d.mu.Lock()
	d.cached = status
	d.mu.Unlock()
	return nil
}

func (d *Driver) Configure(ctx context.Context, cfg device.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Pupil.BaseURL != "" {
		d.cfg.BaseURL = cfg.Pupil.BaseURL
	}
	if cfg.Pupil.RequestTimeoutMs != 0 {
		d.cfg.RequestTimeoutMs = cfg.Pupil.RequestTimeoutMs
	}
	return nil
}

func (d *Driver) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.Status{
		State:   d.state,
		LastErr: d.lastErr,
		Metadata: map[string]any{
			"base_url": d.cfg.BaseURL,
			"cached":   d.cached,
		},
	}
}

func (d *Driver) Events() <-chan device.DataEvent {
	return d.events
}
