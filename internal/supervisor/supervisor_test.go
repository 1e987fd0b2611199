package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/device/mock"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt  int
		wantBase time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		d := backoffDelay(c.attempt)
		lo := time.Duration(float64(c.wantBase) * 0.8)
		hi := time.Duration(float64(c.wantBase) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("attempt %d: delay %s outside jitter band [%s,%s]", c.attempt, d, lo, hi)
		}
	}
}

func TestNotifyErrorSkipsWhenAutoReconnectDisabled(t *testing.T) {
	var calls int32
	reconnect := func(ctx context.Context, id protocol.DeviceID) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	s := New(reconnect, func(protocol.DeviceID) bool { return false })
	s.NotifyError(context.Background(), protocol.DeviceTTL)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no reconnect attempt when auto-reconnect is disabled")
	}
}

func TestNotifyErrorRetriesUntilSuccess(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	reconnect := func(ctx context.Context, id protocol.DeviceID) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return bridgeerr.New(bridgeerr.ConnectionFailed, "not yet")
		}
		close(done)
		return nil
	}
	s := New(reconnect, func(protocol.DeviceID) bool { return true })
	s.NotifyError(context.Background(), protocol.DeviceKernel)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for supervisor to retry to success")
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", calls)
	}
}

func TestCancelPendingStopsScheduledTask(t *testing.T) {
	var calls int32
	reconnect := func(ctx context.Context, id protocol.DeviceID) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	s := New(reconnect, func(protocol.DeviceID) bool { return true })
	s.NotifyError(context.Background(), protocol.DeviceTTL)
	s.CancelPending(protocol.DeviceTTL)

	time.Sleep(1500 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected cancelled task to never invoke reconnect")
	}
}

func TestPermissionDeniedStopsRetrying(t *testing.T) {
	var calls int32
	reconnect := func(ctx context.Context, id protocol.DeviceID) error {
		atomic.AddInt32(&calls, 1)
		return bridgeerr.New(bridgeerr.PermissionDenied, "no access")
	}
	s := New(reconnect, func(protocol.DeviceID) bool { return true })
	s.NotifyError(context.Background(), protocol.DeviceTTL)

	time.Sleep(1500 * time.Millisecond)
	first := atomic.LoadInt32(&calls)
	if first != 1 {
		t.Fatalf("expected exactly one attempt before giving up, got %d", first)
	}
	time.Sleep(1500 * time.Millisecond)
	if atomic.LoadInt32(&calls) != first {
		t.Fatal("expected no further attempts after a permission-denied failure")
	}
}

// countingHeartbeatDriver wraps a mock.Driver, counting Heartbeat calls.
type countingHeartbeatDriver struct {
	*mock.Driver
	mu    sync.Mutex
	ticks int
}

func (d *countingHeartbeatDriver) Heartbeat(ctx context.Context) error {
	d.mu.Lock()
	d.ticks++
	d.mu.Unlock()
	return d.Driver.Heartbeat(ctx)
}

func (d *countingHeartbeatDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

func TestHeartbeatSchedulerTicksUntilCancelled(t *testing.T) {
	var drv device.Driver = &countingHeartbeatDriver{Driver: mock.New(clock.Real{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		HeartbeatScheduler(ctx, 20*time.Millisecond, drv)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected scheduler to stop after cancellation")
	}

	if drv.(*countingHeartbeatDriver).count() < 2 {
		t.Fatalf("expected multiple heartbeat ticks, got %d", drv.(*countingHeartbeatDriver).count())
	}
}
