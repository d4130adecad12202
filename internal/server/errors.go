// Package server defines the sentinel errors shared across the gateway and
// relay engine.
package server

import "errors"

var (
	// ErrUnauthenticated is returned when a handshake credential is missing,
	// malformed, expired, or fails its integrity check. The connection is
	// refused and no session is created.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStaleSession is returned when an event arrives for a session that
	// has already disconnected. The event has no side effects.
	ErrStaleSession = errors.New("stale session")

	// ErrMessageDropped is returned when a send arrives from a session that
	// is not joined to any room. The message is discarded, not queued.
	ErrMessageDropped = errors.New("message dropped: session not joined to a room")

	// ErrEngineClosed is returned when an event arrives after the relay
	// engine has shut down.
	ErrEngineClosed = errors.New("relay engine closed")
)
