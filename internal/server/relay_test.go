package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *Registry) {
	t.Helper()

	registry := NewRegistry()
	engine := NewEngine(registry, discardLogger())
	go engine.Run()
	t.Cleanup(func() {
		_ = engine.Shutdown(time.Second)
	})
	return engine, registry
}

func newTestSession(t *testing.T, engine *Engine, identity string) *Session {
	t.Helper()

	s := newSession(nil, engine, Identity(identity), "127.0.0.1:0", DefaultConfig(), discardLogger())
	require.NoError(t, engine.Attach(s))
	return s
}

func receiveMessage(t *testing.T, s *Session) Message {
	t.Helper()

	select {
	case payload, ok := <-s.send:
		require.True(t, ok, "send channel closed while waiting for delivery")
		var msg Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Message{}
	}
}

func assertNoDelivery(t *testing.T, s *Session) {
	t.Helper()

	select {
	case payload, ok := <-s.send:
		if ok {
			t.Fatalf("unexpected delivery: %s", payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinMembershipInvariant(t *testing.T) {
	engine, registry := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")

	require.NoError(t, engine.Join(s, "alpha"))

	assert.Equal(t, "alpha", s.CurrentRoom())
	room, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.True(t, room.contains(s))
	assert.Equal(t, 1, room.MemberCount())

	require.NoError(t, engine.Leave(s))

	assert.Empty(t, s.CurrentRoom())
	_, ok = registry.Find("alpha")
	assert.False(t, ok, "empty room should be dropped from the registry")
}

func TestAtMostOneRoom(t *testing.T) {
	engine, registry := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")
	anchor := newTestSession(t, engine, "bob@taskflow.com")

	// Keep alpha alive after the switch so membership can be asserted.
	require.NoError(t, engine.Join(anchor, "alpha"))
	require.NoError(t, engine.Join(s, "alpha"))
	require.NoError(t, engine.Join(s, "beta"))

	alpha, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.False(t, alpha.contains(s), "implicit leave must remove the session from the old room")

	beta, ok := registry.Find("beta")
	require.True(t, ok)
	assert.True(t, beta.contains(s))
	assert.Equal(t, "beta", s.CurrentRoom())
}

func TestRejoinSameRoomIdempotent(t *testing.T) {
	engine, registry := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")

	require.NoError(t, engine.Join(s, "alpha"))
	require.NoError(t, engine.Join(s, "alpha"))

	room, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount())
	assert.Equal(t, "alpha", s.CurrentRoom())
}

func TestJoinEmptyRoomName(t *testing.T) {
	engine, registry := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")

	require.Error(t, engine.Join(s, ""))
	assert.Empty(t, s.CurrentRoom())
	assert.Equal(t, 0, registry.Len())
}

func TestSendWhileUnjoinedIsDropped(t *testing.T) {
	engine, _ := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")
	bystander := newTestSession(t, engine, "bob@taskflow.com")
	require.NoError(t, engine.Join(bystander, "alpha"))

	err := engine.Send(s, "hello?")

	require.ErrorIs(t, err, ErrMessageDropped)
	assertNoDelivery(t, s)
	assertNoDelivery(t, bystander)
}

func TestBroadcastReachesAllMembersIncludingSender(t *testing.T) {
	engine, _ := newTestEngine(t)
	sender := newTestSession(t, engine, "alice@taskflow.com")
	members := []*Session{
		sender,
		newTestSession(t, engine, "bob@taskflow.com"),
		newTestSession(t, engine, "carol@taskflow.com"),
	}
	for _, m := range members {
		require.NoError(t, engine.Join(m, "alpha"))
	}

	require.NoError(t, engine.Send(sender, "hi"))

	for _, m := range members {
		msg := receiveMessage(t, m)
		assert.Equal(t, EventMessage, msg.Type)
		assert.Equal(t, "alpha", msg.Room)
		assert.Equal(t, "alice@taskflow.com", msg.Sender)
		assert.Equal(t, "hi", msg.Body)
		assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
	}
	for _, m := range members {
		assertNoDelivery(t, m)
	}
}

func TestSenderOrderingPreserved(t *testing.T) {
	engine, _ := newTestEngine(t)
	sender := newTestSession(t, engine, "alice@taskflow.com")
	peer := newTestSession(t, engine, "bob@taskflow.com")
	require.NoError(t, engine.Join(sender, "alpha"))
	require.NoError(t, engine.Join(peer, "alpha"))

	bodies := []string{"one", "two", "three"}
	for _, body := range bodies {
		require.NoError(t, engine.Send(sender, body))
	}

	for _, want := range bodies {
		assert.Equal(t, want, receiveMessage(t, peer).Body)
	}
}

func TestLeaveWhileUnjoinedIsNoop(t *testing.T) {
	engine, _ := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")

	require.NoError(t, engine.Leave(s))
}

func TestDisconnectCleansUpMembership(t *testing.T) {
	engine, registry := newTestEngine(t)
	s1 := newTestSession(t, engine, "alice@taskflow.com")
	s2 := newTestSession(t, engine, "bob@taskflow.com")
	require.NoError(t, engine.Join(s1, "alpha"))
	require.NoError(t, engine.Join(s2, "alpha"))

	require.NoError(t, engine.Disconnect(s1))

	room, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount())
	assert.True(t, room.contains(s2))

	// Remove is a no-op while the room still has a member.
	registry.Remove("alpha")
	_, ok = registry.Find("alpha")
	assert.True(t, ok)

	require.NoError(t, engine.Disconnect(s2))
	_, ok = registry.Find("alpha")
	assert.False(t, ok)
}

func TestEventsAfterDisconnectAreStale(t *testing.T) {
	engine, registry := newTestEngine(t)
	s := newTestSession(t, engine, "alice@taskflow.com")
	require.NoError(t, engine.Join(s, "alpha"))
	require.NoError(t, engine.Disconnect(s))

	require.ErrorIs(t, engine.Join(s, "gamma"), ErrStaleSession)
	require.ErrorIs(t, engine.Send(s, "too late"), ErrStaleSession)
	require.ErrorIs(t, engine.Leave(s), ErrStaleSession)
	require.ErrorIs(t, engine.Disconnect(s), ErrStaleSession)
	require.ErrorIs(t, engine.Attach(s), ErrStaleSession)

	_, ok := registry.Find("gamma")
	assert.False(t, ok, "stale join must have no side effects")
}

func TestRoomSwitchScenario(t *testing.T) {
	engine, registry := newTestEngine(t)
	s1 := newTestSession(t, engine, "alice@taskflow.com")
	s2 := newTestSession(t, engine, "bob@taskflow.com")

	require.NoError(t, engine.Join(s1, "alpha"))
	require.NoError(t, engine.Join(s2, "alpha"))
	require.NoError(t, engine.Send(s1, "hi"))

	for _, s := range []*Session{s1, s2} {
		msg := receiveMessage(t, s)
		assert.Equal(t, "alpha", msg.Room)
		assert.Equal(t, "alice@taskflow.com", msg.Sender)
		assert.Equal(t, "hi", msg.Body)
	}

	require.NoError(t, engine.Join(s1, "beta"))
	alpha, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.False(t, alpha.contains(s1))

	require.NoError(t, engine.Send(s2, "bye"))

	msg := receiveMessage(t, s2)
	assert.Equal(t, "alpha", msg.Room)
	assert.Equal(t, "bob@taskflow.com", msg.Sender)
	assert.Equal(t, "bye", msg.Body)
	assertNoDelivery(t, s1)
}

func TestSlowMemberEvicted(t *testing.T) {
	engine, registry := newTestEngine(t)
	sender := newTestSession(t, engine, "alice@taskflow.com")

	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	slow := newSession(nil, engine, Identity("bob@taskflow.com"), "127.0.0.1:0", cfg, discardLogger())
	require.NoError(t, engine.Attach(slow))

	require.NoError(t, engine.Join(sender, "alpha"))
	require.NoError(t, engine.Join(slow, "alpha"))

	// The first send fills the slow member's buffer; the second finds it full
	// and evicts the member without failing the sender.
	require.NoError(t, engine.Send(sender, "one"))
	require.NoError(t, engine.Send(sender, "two"))

	room, ok := registry.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount())
	assert.True(t, room.contains(sender))
	require.ErrorIs(t, engine.Send(slow, "late"), ErrStaleSession)

	assert.Equal(t, "one", receiveMessage(t, sender).Body)
	assert.Equal(t, "two", receiveMessage(t, sender).Body)
}

func TestEngineClosedAfterShutdown(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry, discardLogger())
	go engine.Run()
	s := newSession(nil, engine, Identity("alice@taskflow.com"), "127.0.0.1:0", DefaultConfig(), discardLogger())
	require.NoError(t, engine.Attach(s))

	require.NoError(t, engine.Shutdown(time.Second))

	require.ErrorIs(t, engine.Join(s, "alpha"), ErrEngineClosed)
}
