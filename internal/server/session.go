// Package server manages individual client sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

// Session is the server-side state for one live client connection, from
// handshake to disconnect. The identity is set at handshake and immutable
// thereafter. currentRoom and closed are mutated only by the relay engine's
// event loop; a session is in at most one room at a time.
type Session struct {
	id          string
	identity    Identity
	conn        *websocket.Conn
	send        chan []byte
	engine      *Engine
	remoteAddr  string
	currentRoom string
	closed      bool
	rateLimiter *rateLimiter
	log         *slog.Logger
}

func newSession(conn *websocket.Conn, engine *Engine, identity Identity, remoteAddr string, cfg Config, logger *slog.Logger) *Session {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Session{
		id:          id,
		identity:    identity,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		engine:      engine,
		remoteAddr:  remoteAddr,
		rateLimiter: newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefill),
		log: logger.With(
			"session_id", id,
			"identity", string(identity),
			"remote_addr", remoteAddr,
		),
	}
}

// ID returns the session's unique connection identifier.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the verified identity bound at handshake.
func (s *Session) Identity() Identity {
	return s.identity
}

// CurrentRoom returns the room the session is joined to, or "" while unjoined.
func (s *Session) CurrentRoom() string {
	return s.currentRoom
}

// setupReadConnection configures read deadlines and the pong handler.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		s.log.Error("setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			s.log.Error("setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop is ending.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("inbound frame exceeded maximum size", "error", err)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("client disconnected", "error", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		s.log.Info("connection closed", "error", err)
	default:
		s.log.Warn("websocket read error", "error", err)
	}
}

// handleFrame decodes one inbound frame and dispatches it to the engine.
// Malformed or unknown frames are dropped, never fatal to the session.
func (s *Session) handleFrame(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("dropping malformed frame", "error", err)
		return
	}

	switch env.Type {
	case EventJoin:
		if err := s.engine.Join(s, env.Room); err != nil {
			s.log.Warn("join rejected", "room", env.Room, "error", err)
		}
	case EventSend:
		if err := s.engine.Send(s, env.Body); err != nil {
			s.log.Warn("send rejected", "error", err)
		}
	case EventLeave:
		if err := s.engine.Leave(s); err != nil {
			s.log.Warn("leave rejected", "error", err)
		}
	default:
		s.log.Warn("dropping frame with unknown type", "type", env.Type)
	}
}

func (s *Session) readPump() {
	defer func() {
		if err := s.engine.Disconnect(s); err != nil && !errors.Is(err, ErrStaleSession) && !errors.Is(err, ErrEngineClosed) {
			s.log.Error("disconnect cleanup", "error", err)
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Error("closing connection in readPump", "error", err)
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			break
		}

		if !s.rateLimiter.allow() {
			s.log.Warn("rate limit exceeded; discarding frame")
			continue
		}

		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Error("closing connection in writePump", "error", err)
		}
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if !s.writeOutbound(payload, ok) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		}
	}
}

// writeOutbound delivers one payload plus anything queued behind it, and
// returns false when the pump should stop.
func (s *Session) writeOutbound(payload []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		s.log.Error("setting write deadline", "error", err)
		return false
	}

	if !ok {
		// Send channel closed by the engine's disconnect cleanup.
		if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			s.log.Error("writing close message", "error", err)
		}
		return false
	}

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.log.Error("creating frame writer", "error", err)
		return false
	}

	if _, err := w.Write(payload); err != nil {
		s.log.Error("writing payload", "error", err)
		return false
	}

	queued := len(s.send)
	for i := 0; i < queued; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			s.log.Error("writing frame separator", "error", err)
			return false
		}
		if _, err := w.Write(<-s.send); err != nil {
			s.log.Error("writing queued payload", "error", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		s.log.Error("closing frame writer", "error", err)
		return false
	}
	return true
}

// writePing keeps the connection alive and returns false when the pump should
// stop.
func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		s.log.Error("setting write deadline for ping", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Error("writing ping message", "error", err)
		}
		return false
	}
	return true
}
