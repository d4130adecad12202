// Package server coordinates room membership, message broadcast, and session
// cleanup for the TeamChat relay via the Engine type.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type eventKind int

const (
	evAttach eventKind = iota
	evJoin
	evSend
	evLeave
	evDisconnect
)

type engineEvent struct {
	kind    eventKind
	session *Session
	room    string
	body    string
	reply   chan error
}

// Engine is the relay state machine. Every membership mutation (a session's
// currentRoom together with the matching room member add/remove) flows
// through a single event loop, so each transition is applied as one atomic
// step. The registry is injected, never a package-level singleton.
type Engine struct {
	registry *Registry
	sessions map[*Session]bool
	events   chan engineEvent
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	log      *slog.Logger
}

// NewEngine creates an engine over the given registry. Call Run in a separate
// goroutine before attaching sessions.
func NewEngine(registry *Registry, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		sessions: make(map[*Session]bool),
		events:   make(chan engineEvent),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      logger,
	}
}

// Run starts the engine's event loop, serializing join, send, leave, and
// disconnect handling. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (e *Engine) Run() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			e.shutdownSessions()
			return
		case ev := <-e.events:
			ev.reply <- e.handle(ev)
		}
	}
}

func (e *Engine) submit(ev engineEvent) error {
	ev.reply = make(chan error, 1)
	select {
	case e.events <- ev:
		return <-ev.reply
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

// Attach registers a freshly authenticated session with the engine. The
// session starts unjoined. Called by the gateway only.
func (e *Engine) Attach(s *Session) error {
	return e.submit(engineEvent{kind: evAttach, session: s})
}

// Join moves the session into the named room, creating it on demand. Joining
// while already in another room performs an implicit leave first; rejoining
// the current room is idempotent.
func (e *Engine) Join(s *Session, room string) error {
	return e.submit(engineEvent{kind: evJoin, session: s, room: room})
}

// Send relays body to every member of the session's current room, including
// the sender. Sender identity and timestamp are assigned here, never taken
// from the payload. Returns ErrMessageDropped while unjoined.
func (e *Engine) Send(s *Session, body string) error {
	return e.submit(engineEvent{kind: evSend, session: s, body: body})
}

// Leave removes the session from its current room. A no-op while unjoined.
func (e *Engine) Leave(s *Session) error {
	return e.submit(engineEvent{kind: evLeave, session: s})
}

// Disconnect performs leave cleanup if needed and discards the session. This
// transition is terminal: any later event for the session fails with
// ErrStaleSession, and the send capability is invalidated.
func (e *Engine) Disconnect(s *Session) error {
	return e.submit(engineEvent{kind: evDisconnect, session: s})
}

// startPumps launches the session's read and write pumps under the engine's
// shutdown wait group. The session must already be attached.
func (e *Engine) startPumps(s *Session) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		s.writePump()
	}()
	go func() {
		defer e.wg.Done()
		s.readPump()
	}()
}

// handle runs inside the event loop; it is the only code that mutates
// engine-owned state.
func (e *Engine) handle(ev engineEvent) error {
	s := ev.session
	if s == nil {
		return fmt.Errorf("nil session")
	}

	if ev.kind == evAttach {
		if s.closed {
			return ErrStaleSession
		}
		e.sessions[s] = true
		e.log.Info("session attached",
			"session_id", s.id,
			"identity", string(s.identity),
			"total_sessions", len(e.sessions),
		)
		return nil
	}

	if !e.sessions[s] {
		e.log.Warn("dropping event for stale session", "session_id", s.id)
		return ErrStaleSession
	}

	switch ev.kind {
	case evJoin:
		return e.handleJoin(s, ev.room)
	case evSend:
		return e.handleSend(s, ev.body)
	case evLeave:
		e.detachFromRoom(s)
		return nil
	case evDisconnect:
		e.discard(s)
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", ev.kind)
	}
}

func (e *Engine) handleJoin(s *Session, name string) error {
	if name == "" {
		return fmt.Errorf("join: empty room name")
	}

	if s.currentRoom != "" && s.currentRoom != name {
		e.detachFromRoom(s)
	}

	room := e.registry.GetOrCreate(name)
	room.add(s)
	s.currentRoom = name

	e.log.Info("session joined room",
		"session_id", s.id,
		"identity", string(s.identity),
		"room", name,
		"members", room.MemberCount(),
	)
	return nil
}

func (e *Engine) handleSend(s *Session, body string) error {
	if s.currentRoom == "" {
		e.log.Warn("dropping message from unjoined session", "session_id", s.id)
		return ErrMessageDropped
	}

	// Re-check membership server-side; the room is never trusted from the
	// payload.
	room, ok := e.registry.Find(s.currentRoom)
	if !ok || !room.contains(s) {
		e.log.Warn("dropping message; membership out of sync", "session_id", s.id, "room", s.currentRoom)
		return ErrMessageDropped
	}

	msg := Message{
		Type:      EventMessage,
		Room:      room.Name(),
		Sender:    string(s.identity),
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	e.broadcast(room, payload)
	return nil
}

// broadcast fans the payload out to every member, including the sender. Each
// delivery is an independent non-blocking attempt; a member whose buffer is
// full is evicted rather than allowed to block the others.
func (e *Engine) broadcast(room *Room, payload []byte) {
	members := room.snapshot()

	var evict []*Session
	for _, member := range members {
		if !e.deliver(member, payload) {
			e.log.Warn("delivery failed; evicting member",
				"session_id", member.id,
				"identity", string(member.identity),
				"room", room.Name(),
			)
			evict = append(evict, member)
		}
	}

	for _, member := range evict {
		e.discard(member)
	}
}

func (e *Engine) deliver(s *Session, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("recovered from panic in deliver", "panic", r)
			ok = false
		}
	}()

	if s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// detachFromRoom clears the session's room binding and its membership entry
// together, then drops the room from the registry if it is now empty.
func (e *Engine) detachFromRoom(s *Session) {
	name := s.currentRoom
	if name == "" {
		return
	}
	s.currentRoom = ""

	room, ok := e.registry.Find(name)
	if !ok {
		return
	}
	room.remove(s)
	e.registry.Remove(name)

	e.log.Info("session left room",
		"session_id", s.id,
		"identity", string(s.identity),
		"room", name,
		"members", room.MemberCount(),
	)
}

// discard performs leave cleanup and invalidates the session's send
// capability. Only called from the event loop.
func (e *Engine) discard(s *Session) {
	e.detachFromRoom(s)
	delete(e.sessions, s)
	s.closed = true
	close(s.send)

	e.log.Info("session discarded",
		"session_id", s.id,
		"identity", string(s.identity),
		"total_sessions", len(e.sessions),
	)
}

// shutdownSessions invalidates every live session as the loop exits. Closing
// the send channels lets the write pumps drain and finish promptly.
func (e *Engine) shutdownSessions() {
	e.log.Info("shutting down all sessions", "total_sessions", len(e.sessions))

	for s := range e.sessions {
		s.closed = true
		close(s.send)
		if s.conn == nil {
			continue
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			e.log.Error("closing session connection", "session_id", s.id, "error", err)
		}
	}
}

// Shutdown stops the event loop and waits for session pumps to finish, or
// until the timeout is reached.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.cancel()
	<-e.done

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.log.Info("engine shutdown completed")
		return nil
	case <-time.After(timeout):
		e.log.Warn("engine shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
