// Package eventbus broadcasts device status transitions and streaming
// data samples to every active session (§2, §5). It also implements
// registry.StateObserver so the registry can feed it transitions directly.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device"
	"github.com/m0rjc/research-bridge/internal/protocol"
)

// subscriberBufferSize is the bounded per-subscriber buffer (§5: "buffer
// ≈ 1000 events per subscriber").
const subscriberBufferSize = 1000

// Subscriber is one session's inbound side of the bus. Subscribers are
// weakly held (a map keyed by pointer identity) and dropped on Close so a
// slow or dead session cannot hold the bus open (§3 Ownership).
type Subscriber struct {
	id      uint64
	ch      chan protocol.Response
	bus     *Bus
	dropped uint64
	mu      sync.Mutex
	closed  bool
}

// Events returns the channel the owning session should range over.
func (s *Subscriber) Events() <-chan protocol.Response {
	return s.ch
}

// Close removes the subscriber from the bus. Safe to call more than once.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the bounded broadcast channel with oldest-dropped semantics.
type Bus struct {
	clk clock.Clock

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscriber
}

// New constructs an empty Bus.
func New(clk clock.Clock) *Bus {
	return &Bus{clk: clk, subs: map[uint64]*Subscriber{}}
}

// Subscribe registers a new Subscriber and returns it.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscriber{
		id:  b.nextID,
		ch:  make(chan protocol.Response, subscriberBufferSize),
		bus: b,
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	delete(b.subs, s.id)
}

// Publish broadcasts r to every subscriber. On a full subscriber queue the
// oldest buffered event for that subscriber is dropped and, the first time
// this happens in an overflow episode, a STREAM_ERROR envelope carrying
// the drop count is delivered to that subscriber only (§5, §8 property 5,
// §9 "Broadcast backpressure").
func (b *Bus) Publish(r protocol.Response) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, r)
	}
}

func (b *Bus) deliver(s *Subscriber, r protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
		if s.dropped > 0 {
			s.dropped = 0
		}
		return
	default:
	}

	// Overflow: drop the oldest buffered event, then retry once.
	select {
	case <-s.ch:
	default:
	}
	firstDrop := s.dropped == 0
	s.dropped++
	select {
	case s.ch <- r:
	default:
		slog.Warn("eventbus.publish.still_full",
			"component", "eventbus",
			"event", "bus.drop",
			"device", string(r.Device),
		)
	}
	if firstDrop {
		// The retry above refilled the queue; drop one more of the oldest
		// events so the notice itself fits.
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
		streamErr := protocol.ErrorResponse(r.Device, "", b.clk.UnixMilli(),
			bridgeerr.New(bridgeerr.StreamError, fmt.Sprintf("subscriber queue overflow, %d event(s) dropped", s.dropped)))
		select {
		case s.ch <- streamErr:
		default:
		}
	}
}

// OnTransition implements registry.StateObserver by publishing a status
// envelope for the transition (§3: "every observed transition is
// broadcast exactly once... before any subsequent state is observable").
func (b *Bus) OnTransition(id protocol.DeviceID, from, to device.State) {
	b.Publish(protocol.Response{
		Kind:      protocol.KindStatus,
		Device:    id,
		Status:    string(to),
		Timestamp: b.clk.UnixMilli(),
		Payload:   map[string]any{"from": string(from), "to": string(to)},
	})
}

// PublishData publishes an unsolicited data event for id, used by the
// per-driver reader fan-out goroutines in the server wiring.
func (b *Bus) PublishData(id protocol.DeviceID, payload any) {
	b.Publish(protocol.Response{
		Kind:      protocol.KindData,
		Device:    id,
		Timestamp: b.clk.UnixMilli(),
		Payload:   payload,
	})
}
