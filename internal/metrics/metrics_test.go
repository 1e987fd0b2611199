package metrics

import (
	"testing"
	"time"

	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

func TestRecordCommandAccumulatesCounts(t *testing.T) {
	c := New(clock.Real{})
	c.RecordCommand(protocol.DeviceMock, 5*time.Millisecond, true, 10, 20)
	c.RecordCommand(protocol.DeviceMock, 7*time.Millisecond, false, 5, 0)

	snap := c.Snapshot(protocol.DeviceMock)
	if snap.MessagesSent != 2 || snap.MessagesReceived != 2 {
		t.Fatalf("unexpected message counts: %+v", snap)
	}
	if snap.BytesSent != 20 || snap.BytesReceived != 15 {
		t.Fatalf("unexpected byte counts: %+v", snap)
	}
	if snap.ErrorCount != 1 {
		t.Fatalf("expected one error recorded, got %d", snap.ErrorCount)
	}
	if snap.LastLatencyNs != (7 * time.Millisecond).Nanoseconds() {
		t.Fatalf("expected last latency to reflect the most recent command, got %d", snap.LastLatencyNs)
	}
}

func TestRecordConnectionAttemptTracksSuccessRatio(t *testing.T) {
	c := New(clock.Real{})
	c.RecordConnectionAttempt(protocol.DeviceTTL, true)
	c.RecordConnectionAttempt(protocol.DeviceTTL, false)
	c.RecordConnectionAttempt(protocol.DeviceTTL, true)

	snap := c.Snapshot(protocol.DeviceTTL)
	if snap.ConnectionAttempts != 3 || snap.ConnectionSuccesses != 2 {
		t.Fatalf("unexpected connection counts: %+v", snap)
	}
	if ratio := snap.ConnectionSuccessRatio(); ratio < 0.66 || ratio > 0.67 {
		t.Fatalf("unexpected success ratio: %f", ratio)
	}
}

func TestConnectionSuccessRatioDefaultsToOneWithNoAttempts(t *testing.T) {
	c := New(clock.Real{})
	snap := c.Snapshot(protocol.DeviceKernel)
	if snap.ConnectionSuccessRatio() != 1.0 {
		t.Fatalf("expected default ratio of 1.0, got %f", snap.ConnectionSuccessRatio())
	}
}

func TestSnapshotAllOnlyIncludesActiveDevices(t *testing.T) {
	c := New(clock.Real{})
	c.RecordCommand(protocol.DeviceMock, time.Millisecond, true, 1, 1)

	all := c.SnapshotAll()
	if len(all) != 1 {
		t.Fatalf("expected exactly one device in snapshot, got %d", len(all))
	}
	if _, ok := all[protocol.DeviceMock]; !ok {
		t.Fatal("expected mock device present in SnapshotAll")
	}
}

func TestResetClearsPerDeviceOrGlobalStats(t *testing.T) {
	c := New(clock.Real{})
	c.RecordCommand(protocol.DeviceMock, time.Millisecond, true, 1, 1)
	c.RecordCommand(protocol.DeviceTTL, time.Millisecond, true, 1, 1)

	c.Reset(protocol.DeviceMock)
	if snap := c.Snapshot(protocol.DeviceMock); snap.MessagesSent != 0 {
		t.Fatalf("expected mock stats cleared, got %+v", snap)
	}
	if snap := c.Snapshot(protocol.DeviceTTL); snap.MessagesSent != 1 {
		t.Fatalf("expected ttl stats untouched, got %+v", snap)
	}

	c.Reset("")
	if len(c.SnapshotAll()) != 0 {
		t.Fatal("expected global reset to clear every device")
	}
}

func TestPercentilesHandleEmptyReservoir(t *testing.T) {
	mean, p95, p99, last := percentiles(nil)
	if mean != 0 || p95 != 0 || p99 != 0 || last != 0 {
		t.Fatalf("expected zero values for an empty reservoir, got mean=%f p95=%f p99=%f last=%d", mean, p95, p99, last)
	}
}
