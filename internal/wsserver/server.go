// Package wsserver exposes the single WebSocket control channel (§5) over a
// loopback-only TCP listener: every inbound command is routed through
// internal/router, and every session is subscribed to internal/eventbus for
// status and streaming fan-out, following the connect/ping/idle-timeout
// pattern the hub in this repository's predecessor used for its
// Redis-backed device channel, minus the pub/sub layer this process has no
// use for.
package wsserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/m0rjc/research-bridge/internal/bridgeerr"
	"github.com/m0rjc/research-bridge/internal/eventbus"
	"github.com/m0rjc/research-bridge/internal/protocol"
	"github.com/m0rjc/research-bridge/internal/router"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	idleTimeout    = 30 * time.Minute
	writeTimeout   = 10 * time.Second
	readLimit      = 1 << 20
	sendBufferSize = 64
)

// ErrNotLoopback describes the rejection of a non-loopback peer; the
// control channel never accepts remote clients (§2 "local desktop
// bridge"). loopbackListener.Accept does not return it: it logs the
// rejected peer, closes the connection before any HTTP or WebSocket
// handshake, and keeps accepting.
var ErrNotLoopback = errors.New("wsserver: connection is not from loopback")

// Server owns the HTTP upgrade endpoint and the set of live sessions.
type Server struct {
	Router *router.Router
	Bus    *eventbus.Bus

	upgrader ws.Upgrader

	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*session
	closed   bool
}

// New constructs a Server. r and bus must already be wired to the registry,
// supervisor, and metrics collector the process runs.
func New(r *router.Router, bus *eventbus.Bus) *Server {
	return &Server{
		Router:   r,
		Bus:      bus,
		sessions: map[uint64]*session{},
		upgrader: ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.HandlerFunc to mount at the control endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return s.serveWS
}

// loopbackListener wraps a net.Listener so every Accept is checked against
// loopback before the HTTP server gets a chance to negotiate the upgrade
// (§2: the control channel must never be reachable from another host).
type loopbackListener struct {
	net.Listener
}

func (l loopbackListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr == nil {
			if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
				return conn, nil
			}
		}
		slog.Warn("wsserver.listener.rejected_non_loopback",
			"component", "wsserver",
			"event", "listener.reject",
			"remote_addr", conn.RemoteAddr().String(),
		)
		_ = conn.Close()
	}
}

// Listen binds addr (normally 127.0.0.1:<port>) and wraps it so every
// accepted connection is already confirmed loopback.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return loopbackListener{l}, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsserver.upgrade_failed",
			"component", "wsserver",
			"event", "session.upgrade_error",
			"error", err,
		)
		return
	}

	sess := s.newSession(conn)
	slog.Info("wsserver.session.connected",
		"component", "wsserver",
		"event", "session.connected",
		"session_id", sess.id,
		"remote_addr", r.RemoteAddr,
	)

	go sess.writePump()
	sess.readPump()
}

func (s *Server) newSession(conn *ws.Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sess := &session{
		id:      s.nextID,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		sub:     s.Bus.Subscribe(),
		tracker: router.NewCorrelationTracker(),
	}
	s.sessions[sess.id] = sess
	return sess
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.sub.Close()
}

// Shutdown closes every active session, used during process shutdown
// alongside the owning http.Server's own Shutdown.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeGracefully("server shutting down")
	}
}

// session is one client connection's read/write pumps, mirroring the
// deviceConn pattern this process's predecessor used per-device: an
// outbound queue fed both by direct command responses and by the shared
// event bus, a ping/pong liveness check, and an idle timeout.
type session struct {
	id      uint64
	server  *Server
	conn    *ws.Conn
	send    chan []byte
	sub     *eventbus.Subscriber
	tracker *router.CorrelationTracker
}

func (sess *session) closeGracefully(reason string) {
	env, err := protocol.EncodeResponse(protocol.Response{
		Kind:    protocol.KindStatus,
		Device:  protocol.DeviceAll,
		Status:  "shutting_down",
		Payload: map[string]any{"reason": reason},
	})
	if err == nil {
		select {
		case sess.send <- env:
		default:
		}
	}
	close(sess.send)
}

// writePump drains both sess.send (direct command replies) and the event
// bus subscription (unsolicited status/data fan-out), interleaving them
// onto the single underlying connection, plus periodic pings and an idle
// timeout exactly as the predecessor hub's writePump did.
func (sess *session) writePump() {
	pingTicker := time.NewTicker(pingInterval)
	idleTimer := time.NewTimer(idleTimeout)
	defer func() {
		pingTicker.Stop()
		idleTimer.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-sess.send:
			if !sendFrame(sess.conn, raw, ok) {
				return
			}
			resetIdle(idleTimer)

		case resp, ok := <-sess.sub.Events():
			if !ok {
				return
			}
			raw, err := protocol.EncodeResponse(resp)
			if err != nil {
				continue
			}
			if !sendFrame(sess.conn, raw, true) {
				return
			}
			resetIdle(idleTimer)

		case <-pingTicker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := sess.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}

		case <-idleTimer.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			sess.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "idle timeout")) //nolint:errcheck
			return
		}
	}
}

func sendFrame(conn *ws.Conn, raw []byte, ok bool) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if !ok {
		conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")) //nolint:errcheck
		return false
	}
	return conn.WriteMessage(ws.TextMessage, raw) == nil
}

func resetIdle(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(idleTimeout)
}

// readPump reads inbound command frames, dispatches each through the
// router, and enqueues the terminal response. It returns (unregistering
// the session) once the connection errors or closes.
func (sess *session) readPump() {
	defer sess.server.removeSession(sess)

	sess.conn.SetReadLimit(readLimit)
	sess.conn.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseAbnormalClosure, ws.CloseNormalClosure) {
				slog.Warn("wsserver.session.unexpected_close",
					"component", "wsserver",
					"event", "session.read_error",
					"session_id", sess.id,
					"error", err,
				)
			}
			return
		}
		sess.handleFrame(raw)
	}
}

func (sess *session) handleFrame(raw []byte) {
	cmd, err := protocol.DecodeCommand(raw)
	if err != nil {
		resp := protocol.ErrorResponse(cmd.Device, cmd.ID, 0, bridgeerr.New(bridgeerr.InvalidCommand, err.Error()))
		sess.enqueue(resp)
		return
	}
	resp := sess.server.Router.Handle(context.Background(), cmd, sess.tracker)
	sess.enqueue(resp)
}

func (sess *session) enqueue(resp protocol.Response) {
	raw, err := protocol.EncodeResponse(resp)
	if err != nil {
		slog.Error("wsserver.session.encode_failed",
			"component", "wsserver",
			"event", "session.encode_error",
			"session_id", sess.id,
			"error", err,
		)
		return
	}
	select {
	case sess.send <- raw:
	default:
		slog.Warn("wsserver.session.send_buffer_full",
			"component", "wsserver",
			"event", "session.drop_response",
			"session_id", sess.id,
		)
	}
}

