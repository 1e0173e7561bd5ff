// Package transport holds the connection contract shared by the realtime packages.
package transport

import (
	"errors"

	"chat-realtime/internal/models"
)

// ErrConnClosed is returned by Send once a connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// ErrSendBufferFull is returned by Send when the outbound buffer is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// Conn is one live client session.
type Conn interface {
	// ID is unique per transport session.
	ID() string
	// UserID is the authenticated user, or 0 when the handshake carried no token.
	UserID() int
	// Send queues an event without blocking.
	Send(ev models.Event) error
	// Close flushes queued events and terminates the session.
	Close()
}
