// Package session implements the Connection Session: the per-connection
// phase state machine (Handshake -> Authenticated -> InRoom -> Relaying ->
// Closed), the gorilla/websocket read/write pumps, and the dispatch table
// that routes each inbound frame according to the session's current
// phase.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilekeep/matchd/internal/logging"
	"github.com/tilekeep/matchd/internal/metrics"
	"github.com/tilekeep/matchd/internal/protocol"
	"github.com/tilekeep/matchd/internal/registry"
	"github.com/tilekeep/matchd/internal/room"
)

// Phase is a position in the Connection Session's state machine.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseAuthenticated
	PhaseInRoom
	PhaseRelaying
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseInRoom:
		return "in_room"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// wsConn is the subset of *websocket.Conn the session needs, so tests can
// substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
)

// Session is one Connection Session: one WebSocket, one phase, at most one
// Room membership at a time.
type Session struct {
	conn     wsConn
	send     chan []byte
	registry *registry.Registry

	mu       sync.RWMutex
	phase    Phase
	playerID string
	username string
	color    uint16
	border   uint16
	room     *room.Room

	closeOnce sync.Once
}

// New builds a Session over an already-upgraded connection.
func New(conn wsConn, reg *registry.Registry) *Session {
	return &Session{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		registry: reg,
		phase:    PhaseHandshake,
	}
}

// PlayerID implements room.Recipient.
func (s *Session) PlayerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerID
}

// Send implements room.Recipient: a non-blocking enqueue onto the outbound
// channel. Returns false if the channel is full or already closed, which
// the caller (a Room) treats as a disconnect.
func (s *Session) Send(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close implements room.Recipient: it tears down the connection exactly
// once, which unblocks writePump and causes readPump's next read to fail.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
		close(s.send)
		_ = s.conn.Close()
	})
}

func (s *Session) getPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Serve runs the session to completion: it starts the write pump and
// drives the read loop on the calling goroutine, returning once the
// connection is gone. Intended to be called directly from the HTTP
// upgrade handler.
func (s *Session) Serve(ctx context.Context) {
	metrics.IncConnection()
	defer metrics.DecConnection()

	go s.writePump()
	s.readPump(ctx)
}

func (s *Session) readPump(ctx context.Context) {
	defer s.handleDisconnect(ctx)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := s.handleFrame(ctx, data); err != nil {
			logging.Warn(ctx, "closing session on protocol violation", zap.Error(err))
			return
		}
		if s.getPhase() == PhaseClosed {
			return
		}
	}
}

func (s *Session) writePump() {
	defer s.Close()
	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// handleDisconnect is the readPump cleanup path for an abrupt loss of
// connection (no room_leave was received). It synthesizes the same
// membership cleanup an explicit room_leave would have triggered, with no
// client-supplied host nomination since none is available.
func (s *Session) handleDisconnect(ctx context.Context) {
	s.mu.RLock()
	r := s.room
	s.mu.RUnlock()

	if r != nil {
		r.Disconnect(ctx, s.PlayerID())
	}
	s.Close()
}

// handleFrame routes one inbound frame according to the session's current
// phase. Once the phase is Relaying, the frame is never parsed: it is
// forwarded byte-for-byte through the Broadcast Fabric's relay path.
func (s *Session) handleFrame(ctx context.Context, raw []byte) error {
	if s.getPhase() == PhaseRelaying {
		s.mu.RLock()
		r := s.room
		s.mu.RUnlock()
		r.Relay(ctx, s.PlayerID(), raw)
		return nil
	}

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	if !s.typeAllowedInPhase(env.Type) {
		return protocol.Violation("type %q is not accepted in phase %s", env.Type, s.getPhase())
	}

	timer := prometheusTimer(env.Type)
	defer timer()

	switch env.Type {
	case protocol.TypeLogin:
		return s.handleLogin(ctx, raw)
	case protocol.TypeRoomCreate:
		return s.handleRoomCreate(ctx, raw)
	case protocol.TypeRoomJoin:
		return s.handleRoomJoin(ctx, raw)
	case protocol.TypeRoomLeave:
		return s.handleRoomLeave(ctx, raw)
	case protocol.TypeRoomStart:
		return s.handleRoomStart(ctx, raw)
	case protocol.TypeEventRoomStartAcknowledge:
		return s.handleAcknowledge(ctx, raw)
	default:
		return protocol.Violation("unrecognized type %q", env.Type)
	}
}

func (s *Session) typeAllowedInPhase(msgType string) bool {
	switch s.getPhase() {
	case PhaseHandshake:
		return msgType == protocol.TypeLogin
	case PhaseAuthenticated:
		return msgType == protocol.TypeRoomCreate || msgType == protocol.TypeRoomJoin
	case PhaseInRoom:
		return msgType == protocol.TypeRoomLeave || msgType == protocol.TypeRoomStart || msgType == protocol.TypeEventRoomStartAcknowledge
	default:
		return false
	}
}

func prometheusTimer(msgType string) func() {
	start := time.Now()
	return func() {
		metrics.MessageProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	}
}

func (s *Session) respond(v any) {
	data, err := protocol.Marshal(v)
	if err != nil {
		return
	}
	s.Send(data)
}
