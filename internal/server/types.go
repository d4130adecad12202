// Package server defines the wire payload types exchanged with clients and
// utility helpers reused across session and engine logic.
package server

import (
	"strings"
	"time"
)

// Inbound event types understood by the relay engine.
const (
	EventJoin  = "join"
	EventSend  = "send"
	EventLeave = "leave"
)

// EventMessage is the outbound frame type used for message deliveries.
const EventMessage = "message"

// Envelope is the inbound JSON frame format. Room is only meaningful for join
// events and Body only for send events; anything else in the payload is
// ignored, never trusted.
type Envelope struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Body string `json:"body,omitempty"`
}

// Message is the outbound delivery payload relayed to every member of a room.
// Sender and Timestamp are assigned server-side by the relay engine; the
// sender's own copy also comes from this server round-trip rather than a
// local echo.
type Message struct {
	Type      string    `json:"type"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
