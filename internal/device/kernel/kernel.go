// Package kernel implements the Kernel Flow2 fNIRS TCP driver (§4.3). It
// maintains a background frame reader and a heartbeat ping task, both
// coordinated with golang.org/x/sync/errgroup, and a bounded ring buffer
// of the most recent frames with oldest-dropped backpressure.
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
)

const (
	maxBufferedFrames = 1000
	probeDeadline     = 3 * time.Second
	lengthPrefixBytes = 4
)

// Sample is the CBOR-encoded payload of one fNIRS frame (§6
// kernel streaming data shape).
type Sample struct {
	Channels  map[string][]float64 `cbor:"channels"`
	Timestamp int64                `cbor:"timestamp"`
	Quality   float64              `cbor:"quality"`
}

// dialFunc abstracts net.Dial for testability.
type dialFunc func(network, address string) (net.Conn, error)

// Driver is the Kernel TCP driver.
type Driver struct {
	dial dialFunc
	clk  clock.Clock

	mu      sync.Mutex
	state   device.State
	lastErr string
	cfg     device.KernelConfig
	conn    net.Conn
	cancel  context.CancelFunc
	group   *errgroup.Group

	events  chan device.DataEvent
	dropped uint64
	sendMu  sync.Mutex
}

// New constructs a Kernel driver. dial defaults to net.Dial when nil.
func New(clk clock.Clock, dial dialFunc) *Driver {
	if dial == nil {
		dial = net.Dial
	}
	return &Driver{
		dial:   dial,
		clk:    clk,
		state:  device.Disconnected,
		events: make(chan device.DataEvent, maxBufferedFrames),
	}
}

func (d *Driver) Connect(ctx context.Context, cfg device.Config) error {
	kc := cfg.Kernel
	if kc.IP == "" {
		return bridgeerr.New(bridgeerr.InvalidConfiguration, "ip is required")
	}
	if kc.Port == 0 {
		kc.Port = device.DefaultKernelConfig().Port
	}
	if kc.HeartbeatMs == 0 {
		kc.HeartbeatMs = device.DefaultKernelConfig().HeartbeatMs
	}

	d.mu.Lock()
	d.state = device.Connecting
	d.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", kc.IP, kc.Port)
	conn, err := d.dial("tcp", addr)
	if err != nil {
		d.mu.Lock()
		d.cfg = kc
		d.state = device.Error
		d.lastErr = err.Error()
		d.mu.Unlock()
		return bridgeerr.Wrap(bridgeerr.ConnectionFailed, "failed to open kernel tcp stream", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)

	d.mu.Lock()
	d.conn = conn
	d.cfg = kc
	d.cancel = cancel
	d.group = group
	d.state = device.Connected
	d.dropped = 0
	d.mu.Unlock()

	group.Go(func() error { return d.readLoop(gctx, conn) })
	group.Go(func() error { return d.heartbeatLoop(gctx, conn, time.Duration(kc.HeartbeatMs)*time.Millisecond) })

	return nil
}

// readLoop parses length-prefixed CBOR frames and publishes each as a Data
// event, applying oldest-dropped backpressure on overflow (§4.3).
func (d *Driver) readLoop(ctx context.Context, conn net.Conn) error {
	header := make([]byte, lengthPrefixBytes)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := io.ReadFull(conn, header); err != nil {
			d.fail(err)
			return err
		}
		n := binary.BigEndian.Uint32(header)
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			d.fail(err)
			return err
		}
		var sample Sample
		if err := cbor.Unmarshal(body, &sample); err != nil {
			continue
		}
		d.publish(sample)
	}
}

// streamErrorEvent mirrors the §6 payload shape for a dropped-frame
// notification. It travels through Events() like any Sample, so the
// fan-out in cmd/bridge publishes it as an ordinary data envelope
// carrying {"dropped": N}.
type streamErrorEvent struct {
	Dropped uint64 `json:"dropped"`
}

// publish enqueues sample, dropping the oldest buffered frame on overflow
// and emitting exactly one streamErrorEvent per overflow episode (§4.3,
// §8 property 5). An "episode" ends once the buffer drains below
// capacity; the counter then resets so the next episode starts fresh.
func (d *Driver) publish(sample Sample) {
	evt := device.DataEvent{Payload: sample, At: d.clk.Now()}
	select {
	case d.events <- evt:
		d.mu.Lock()
		episodeWasOpen := d.dropped > 0
		d.dropped = 0
		d.mu.Unlock()
		_ = episodeWasOpen
	default:
		select {
		case <-d.events:
		default:
		}
		d.mu.Lock()
		d.dropped++
		firstDrop := d.dropped == 1
		dropped := d.dropped
		d.mu.Unlock()
		select {
		case d.events <- evt:
		default:
		}
		if firstDrop {
			// The retry above refilled the buffer; drop one more of the
			// oldest frames so the notice itself fits.
			select {
			case <-d.events:
				d.mu.Lock()
				d.dropped++
				dropped = d.dropped
				d.mu.Unlock()
			default:
			}
			select {
			case d.events <- device.DataEvent{Payload: streamErrorEvent{Dropped: dropped}, At: d.clk.Now()}:
			default:
			}
		}
	}
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	if d.state == device.Disconnected {
		// The error comes from Disconnect closing the connection.
		d.mu.Unlock()
		return
	}
	d.state = device.Error
	d.lastErr = err.Error()
	d.mu.Unlock()
}

// heartbeatLoop sends a no-op ping frame every interval and expects no
// particular reply beyond the write succeeding; a write failure marks the
// device Error so the supervisor schedules a reconnect (§4.3, §4.7).
func (d *Driver) heartbeatLoop(ctx context.Context, conn net.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.writeFrame(conn, []byte{}); err != nil {
				d.fail(err)
				return err
			}
		}
	}
}

func (d *Driver) writeFrame(conn net.Conn, body []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	header := make([]byte, lengthPrefixBytes)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == device.Disconnected {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	conn := d.conn
	group := d.group
	d.state = device.Disconnected
	d.conn = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	return nil
}

// Send writes a CBOR-encoded configure/command payload as a single framed
// message. It returns immediately (fire-and-forget); correlation of a
// matching reply frame is left to the caller via the Events() stream,
// matching the "acknowledgment ... immediately (if fire-and-forget)"
// semantics of §4.3.
func (d *Driver) Send(ctx context.Context, payload []byte) (any, error) {
	d.mu.Lock()
	st := d.state
	conn := d.conn
	d.mu.Unlock()
	if st != device.Connected && st != device.Streaming {
		return nil, bridgeerr.New(bridgeerr.DeviceNotConnected, "kernel device is not connected")
	}
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "failed to encode kernel payload", err)
	}
	if err := d.writeFrame(conn, body); err != nil {
		d.fail(err)
		return nil, bridgeerr.Wrap(bridgeerr.StreamError, "kernel send failed", err)
	}
	return map[string]any{"sent": true}, nil
}

// TestConnection opens a probe TCP connection with a 3-second deadline and
// closes it without altering persistent state (§4.3).
func (d *Driver) TestConnection(ctx context.Context) (device.ReachResult, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg.IP == "" {
		return device.ReachResult{Reachable: false, Reason: "no ip configured"}, nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	var d2 net.Dialer
	conn, err := d2.DialContext(probeCtx, "tcp", addr)
	if err != nil {
		return device.ReachResult{Reachable: false, Reason: "kernel device is not reachable"}, nil
	}
	_ = conn.Close()
	return device.ReachResult{Reachable: true}, nil
}

func (d *Driver) Heartbeat(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return bridgeerr.New(bridgeerr.StreamError, "no active kernel connection")
	}
	return d.writeFrame(conn, []byte{})
}

// Configure applies streaming/channel settings. Kernel accepts
// reconfiguration while Connected without requiring a full reconnect,
// sending the new settings down the wire as a configure frame.
func (d *Driver) Configure(ctx context.Context, cfg device.Config) error {
	d.mu.Lock()
	st := d.state
	conn := d.conn
	d.mu.Unlock()
	if st != device.Connected && st != device.Streaming {
		return bridgeerr.New(bridgeerr.DeviceNotConnected, "kernel device is not connected")
	}
	body, err := cbor.Marshal(cfg.Kernel)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.InvalidConfiguration, "invalid kernel configuration", err)
	}
	return d.writeFrame(conn, body)
}

func (d *Driver) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.Status{
		State:   d.state,
		LastErr: d.lastErr,
		Metadata: map[string]any{
			"ip":      d.cfg.IP,
			"port":    d.cfg.Port,
			"dropped": d.dropped,
		},
	}
}

func (d *Driver) Events() <-chan device.DataEvent {
	return d.events
}
