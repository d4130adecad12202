// Package server implements the TeamChat room-session relay: an authenticated
// WebSocket gateway, a room registry, and a relay engine that fans text
// messages out to every member of a room.
//
// The implementation is organized into specialized files for configuration,
// authentication, the registry, sessions, the relay engine, routing, and HTTP
// handlers to keep the codebase maintainable and testable as the project grows.
package server
