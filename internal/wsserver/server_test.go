package wsserver

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m0rjc/research-bridge/internal/clock"
	"github.com/m0rjc/research-bridge/internal/device/mock"
	"github.com/m0rjc/research-bridge/internal/eventbus"
	"github.com/m0rjc/research-bridge/internal/metrics"
	"github.com/m0rjc/research-bridge/internal/protocol"
	"github.com/m0rjc/research-bridge/internal/registry"
	"github.com/m0rjc/research-bridge/internal/router"
	"github.com/m0rjc/research-bridge/internal/supervisor"
)

func newTestServer(t *testing.T) (*Server, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(clock.Real{})
	reg := registry.New(bus)
	reg.Register(protocol.DeviceMock, mock.New(clock.Real{}))
	mx := metrics.New(clock.Real{})
	sup := supervisor.New(func(context.Context, protocol.DeviceID) error { return nil }, func(protocol.DeviceID) bool { return false })
	r := router.New(reg, bus, mx, sup, clock.Real{})
	return New(r, bus), bus
}

func dial(t *testing.T, httpURL string) *ws.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestSessionRoundTripsCommand(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	err := conn.WriteMessage(ws.TextMessage, []byte(`{"type":"command","device":"mock","action":"connect","id":"1"}`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":"1"`, "expected response to echo correlation id")
}

func TestSessionReceivesBusFanout(t *testing.T) {
	s, bus := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	// Give the server a moment to register the session's subscription.
	time.Sleep(20 * time.Millisecond)
	bus.PublishData(protocol.DeviceKernel, map[string]any{"sample": true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"device":"kernel"`, "expected fanout envelope for kernel device")
}

func TestSessionInvalidJSONReturnsErrorEnvelope(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	err := conn.WriteMessage(ws.TextMessage, []byte(`not json`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"error"`, "expected an error envelope")
}

func TestShutdownClosesSessionsGracefully(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	s.Shutdown(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected connection to be closed after shutdown")
}

// fakeAddrConn / fakeAddr / sequenceListener let us exercise the
// remote-address rejection in loopbackListener.Accept without binding a
// real non-loopback socket.
type fakeAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c fakeAddrConn) RemoteAddr() net.Addr { return c.remote }

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

type sequenceListener struct {
	net.Listener
	conns []net.Conn
	idx   int
}

func (l *sequenceListener) Accept() (net.Conn, error) {
	if l.idx >= len(l.conns) {
		return l.Listener.Accept()
	}
	c := l.conns[l.idx]
	l.idx++
	return c, nil
}

func TestLoopbackListenerRejectsNonLoopbackPeers(t *testing.T) {
	base, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer base.Close()

	client, server := net.Pipe()
	defer client.Close()
	nonLoopback := fakeAddrConn{Conn: server, remote: fakeAddr{"203.0.113.5:1234"}}

	ll := loopbackListener{&sequenceListener{Listener: base, conns: []net.Conn{nonLoopback}}}

	done := make(chan struct{})
	go func() {
		ll.Accept() //nolint:errcheck // blocks on base.Accept() after rejecting; real listener never receives a conn in this test
		close(done)
	}()

	// The rejected connection should be closed by Accept without being
	// returned; reading from the local pipe end should observe the peer
	// closing promptly.
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	_, err = client.Read(buf)
	assert.Error(t, err, "expected rejected connection to be closed")

	base.Close()
	<-done
}
