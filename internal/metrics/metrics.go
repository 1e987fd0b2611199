// Package metrics records per-command latency and traffic accounting
// (§4.8) and exports both a Prometheus scrape surface (in the teacher's
// promauto style) and a point-in-time in-process snapshot answering the
// "all.metrics" / "<device>.metrics" query over the control channel.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

// reservoirSize is the rolling sample count the latency snapshot is
// backed by for p95/p99 computation (§4.8: "N≈1024").
const reservoirSize = 1024

// Registry is a private Prometheus registry (mirrors the teacher's
// pattern of excluding Go runtime metrics from /metrics) exposing bridge
// command latency and traffic as a scrape surface.
var Registry = prometheus.NewRegistry()

var (
	commandLatency = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_command_duration_seconds",
		Help:    "Router command latency by device and outcome",
		Buckets: []float64{.0001, .0005, .001, .002, .005, .01, .05, .1, .5, 1, 2},
	}, []string{"device", "outcome"})

	commandsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_commands_total",
		Help: "Total commands routed by device and outcome",
	}, []string{"device", "outcome"})

	bytesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_bytes_total",
		Help: "Bytes transferred by device and direction",
	}, []string{"device", "direction"})
)

// Snapshot is the per-device point-in-time metrics record (§3 "Metrics
// record").
type Snapshot struct {
	LastLatencyNs       int64   `json:"last_latency_ns"`
	MeanLatencyNs       float64 `json:"mean_latency_ns"`
	P95LatencyNs        float64 `json:"p95_latency_ns"`
	P99LatencyNs        float64 `json:"p99_latency_ns"`
	MessagesSent        uint64  `json:"messages_sent"`
	MessagesReceived    uint64  `json:"messages_received"`
	BytesSent           uint64  `json:"bytes_sent"`
	BytesReceived       uint64  `json:"bytes_received"`
	ErrorCount          uint64  `json:"error_count"`
	ConnectionAttempts  uint64  `json:"connection_attempts"`
	ConnectionSuccesses uint64  `json:"connection_successes"`
	SecondsSinceActive  float64 `json:"seconds_since_last_activity"`
	ThroughputPerSec    float64 `json:"throughput_messages_per_sec"`
}

// ConnectionSuccessRatio returns successes/attempts, or 1.0 if there have
// been no attempts yet.
func (s Snapshot) ConnectionSuccessRatio() float64 {
	if s.ConnectionAttempts == 0 {
		return 1.0
	}
	return float64(s.ConnectionSuccesses) / float64(s.ConnectionAttempts)
}

// deviceStats is the mutable per-device accumulator behind Collector.
type deviceStats struct {
	mu sync.Mutex

	reservoir []int64 // nanoseconds, ring buffer of size reservoirSize
	ring      int

	messagesSent, messagesReceived uint64
	bytesSent, bytesReceived       uint64
	errorCount                     uint64
	connAttempts, connSuccesses    uint64
	lastActivity                   clock.Instant
	windowStart                    clock.Instant
	windowCount                    uint64
	throughputPerSec                float64
}

// Collector accumulates metrics across every registered device.
type Collector struct {
	clk clock.Clock

	mu      sync.Mutex
	devices map[protocol.DeviceID]*deviceStats
}

// New constructs an empty Collector.
func New(clk clock.Clock) *Collector {
	return &Collector{clk: clk, devices: map[protocol.DeviceID]*deviceStats{}}
}

func (c *Collector) statsFor(id protocol.DeviceID) *deviceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.devices[id]
	if !ok {
		s = &deviceStats{windowStart: c.clk.Now()}
		c.devices[id] = s
	}
	return s
}

// RecordCommand records one completed router command: its latency
// (enqueue-to-ready, excluding client serialization per §3 invariants),
// success/failure, and byte sizes in both directions.
func (c *Collector) RecordCommand(id protocol.DeviceID, latency time.Duration, success bool, bytesIn, bytesOut int) {
	s := c.statsFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reservoir) < reservoirSize {
		s.reservoir = append(s.reservoir, latency.Nanoseconds())
	} else {
		s.reservoir[s.ring] = latency.Nanoseconds()
		s.ring = (s.ring + 1) % reservoirSize
	}

	s.messagesSent++
	s.messagesReceived++
	s.bytesSent += uint64(bytesOut)
	s.bytesReceived += uint64(bytesIn)
	if !success {
		s.errorCount++
	}
	s.lastActivity = c.clk.Now()
	s.windowCount++
	if elapsed := s.lastActivity.Sub(s.windowStart); elapsed > time.Second {
		s.throughputPerSec = float64(s.windowCount) / elapsed.Seconds()
		s.windowCount = 0
		s.windowStart = s.lastActivity
	}

	outcome := "success"
	if !success {
		outcome = "error"
	}
	commandLatency.WithLabelValues(string(id), outcome).Observe(latency.Seconds())
	commandsTotal.WithLabelValues(string(id), outcome).Inc()
	bytesTotal.WithLabelValues(string(id), "in").Add(float64(bytesIn))
	bytesTotal.WithLabelValues(string(id), "out").Add(float64(bytesOut))
}

// RecordConnectionAttempt records a connect attempt's outcome for the
// connection-success-ratio metric.
func (c *Collector) RecordConnectionAttempt(id protocol.DeviceID, success bool) {
	s := c.statsFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connAttempts++
	if success {
		s.connSuccesses++
	}
}

// Snapshot returns a point-in-time copy of id's stats (§4.8: "a metrics
// query returns a point-in-time snapshot").
func (c *Collector) Snapshot(id protocol.DeviceID) Snapshot {
	s := c.statsFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	mean, p95, p99, last := percentiles(s.reservoir)
	if len(s.reservoir) == reservoirSize {
		// Once the ring is full the newest sample sits just before ring.
		last = s.reservoir[(s.ring+reservoirSize-1)%reservoirSize]
	}
	var secondsSince float64
	if !s.lastActivity.IsZero() {
		secondsSince = c.clk.Now().Sub(s.lastActivity).Seconds()
	}

	return Snapshot{
		LastLatencyNs:       last,
		MeanLatencyNs:       mean,
		P95LatencyNs:        p95,
		P99LatencyNs:        p99,
		MessagesSent:        s.messagesSent,
		MessagesReceived:    s.messagesReceived,
		BytesSent:           s.bytesSent,
		BytesReceived:       s.bytesReceived,
		ErrorCount:          s.errorCount,
		ConnectionAttempts:  s.connAttempts,
		ConnectionSuccesses: s.connSuccesses,
		SecondsSinceActive:  secondsSince,
		ThroughputPerSec:    s.throughputPerSec,
	}
}

// SnapshotAll returns a snapshot for every device the collector has seen
// since its last reset (through RecordCommand, RecordConnectionAttempt or
// Snapshot), for the "all.metrics" aggregate query (§6).
func (c *Collector) SnapshotAll() map[protocol.DeviceID]Snapshot {
	c.mu.Lock()
	ids := make([]protocol.DeviceID, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make(map[protocol.DeviceID]Snapshot, len(ids))
	for _, id := range ids {
		out[id] = c.Snapshot(id)
	}
	return out
}

// Reset clears id's accumulated stats, or every device's if id is empty
// (§4.8: "reset is per-device or global").
func (c *Collector) Reset(id protocol.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" {
		c.devices = map[protocol.DeviceID]*deviceStats{}
		return
	}
	delete(c.devices, id)
}

func percentiles(samples []int64) (mean, p95, p99 float64, last int64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	last = samples[len(samples)-1]
	sum := int64(0)
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, v := range sorted {
		sum += v
	}
	mean = float64(sum) / float64(len(sorted))
	p95 = percentileOf(sorted, 0.95)
	p99 = percentileOf(sorted, 0.99)
	return mean, p95, p99, last
}

func percentileOf(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}
