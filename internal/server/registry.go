// Package server tracks named rooms and their current member sessions via the
// Registry type. Rooms are ephemeral: created lazily on first join, removed
// once empty.
package server

import "sync"

// Room is a named chat channel holding the set of sessions currently
// subscribed to receive each other's messages. Membership is a set, not a
// multiset; the room does not own its sessions.
type Room struct {
	name    string
	mu      sync.RWMutex
	members map[*Session]struct{}
}

func newRoom(name string) *Room {
	return &Room{
		name:    name,
		members: make(map[*Session]struct{}),
	}
}

// Name returns the room's case-sensitive key.
func (r *Room) Name() string {
	return r.name
}

// MemberCount returns the number of sessions currently in the room.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[s] = struct{}{}
}

func (r *Room) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, s)
}

func (r *Room) contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[s]
	return ok
}

// snapshot returns the current members so broadcast can iterate without
// holding the room lock across transport writes.
func (r *Room) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Session, 0, len(r.members))
	for s := range r.members {
		members = append(members, s)
	}
	return members
}

// Registry maps room names to live rooms. It is an injected component owned
// by the relay engine, never a package-level singleton, so independent engine
// instances can coexist.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the room registered under name, creating an empty one
// if none exists. Idempotent; no error condition.
func (reg *Registry) GetOrCreate(name string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[name]; ok {
		return room
	}
	room := newRoom(name)
	reg.rooms[name] = room
	return room
}

// Find looks up a room without creating it.
func (reg *Registry) Find(name string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[name]
	return room, ok
}

// Remove deletes the named room if it has no members. A room with members, or
// a name that was never registered, is left untouched so an active room cannot
// be destroyed by accident.
func (reg *Registry) Remove(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[name]
	if !ok {
		return
	}
	if room.MemberCount() > 0 {
		return
	}
	delete(reg.rooms, name)
}

// Len returns the number of registered rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
