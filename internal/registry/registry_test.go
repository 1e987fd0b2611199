package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/device/mock"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []transition
}

type transition struct {
	id       protocol.DeviceID
	from, to device.State
}

func (o *recordingObserver) OnTransition(id protocol.DeviceID, from, to device.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, transition{id, from, to})
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transitions)
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	reg := New(nil)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))
}

func TestGetAndIDs(t *testing.T) {
	reg := New(nil)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))

	if _, ok := reg.Get(protocol.DeviceMock); !ok {
		t.Fatal("expected mock device to be registered")
	}
	if _, ok := reg.Get(protocol.DeviceID("missing")); ok {
		t.Fatal("expected unknown device to be absent")
	}
	ids := reg.IDs()
	if len(ids) != 1 || ids[0] != protocol.DeviceMock {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestWithReturnsInvalidCommandForUnknownDevice(t *testing.T) {
	reg := New(nil)
	err := reg.With(protocol.DeviceID("missing"), func(d device.Driver) error { return nil })
	if err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestWithSerializesSameDeviceAcrossGoroutines(t *testing.T) {
	reg := New(nil)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))

	var active int32
	var sawOverlap bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.With(protocol.DeviceMock, func(d device.Driver) error {
				mu.Lock()
				active++
				if active > 1 {
					sawOverlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if sawOverlap {
		t.Fatal("expected With to serialize calls against the same device")
	}
}

func TestWithAllowsCrossDeviceParallelism(t *testing.T) {
	reg := New(nil)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))
	reg.Register(protocol.DeviceTTL, mock.New(clock.Real{}))

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = reg.With(protocol.DeviceMock, func(d device.Driver) error {
			close(start)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		<-start
		before := time.Now()
		_ = reg.With(protocol.DeviceTTL, func(d device.Driver) error { return nil })
		if time.Since(before) > 15*time.Millisecond {
			t.Error("expected unrelated device call to proceed without waiting")
		}
	}()
	wg.Wait()
}

func TestObserveTransitionDedupsSameState(t *testing.T) {
	obs := &recordingObserver{}
	reg := New(obs)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))

	reg.ObserveTransition(protocol.DeviceMock, device.Connecting)
	reg.ObserveTransition(protocol.DeviceMock, device.Connecting)
	reg.ObserveTransition(protocol.DeviceMock, device.Connected)

	if obs.count() != 2 {
		t.Fatalf("expected exactly 2 transitions, got %d", obs.count())
	}
}

func TestSnapshotAndDisconnectAll(t *testing.T) {
	reg := New(nil)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))
	_ = reg.With(protocol.DeviceMock, func(d device.Driver) error {
		return d.Connect(context.Background(), device.Config{Kind: device.KindMock})
	})

	snap := reg.Snapshot()
	if snap[protocol.DeviceMock] != device.Connected {
		t.Fatalf("expected Connected in snapshot, got %s", snap[protocol.DeviceMock])
	}

	reg.DisconnectAll(context.Background())
	snap = reg.Snapshot()
	if snap[protocol.DeviceMock] != device.Disconnected {
		t.Fatalf("expected Disconnected after DisconnectAll, got %s", snap[protocol.DeviceMock])
	}
}
