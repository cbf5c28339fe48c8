package chathub

import (
	"errors"
	"time"
)

// ErrNotOpen is returned when a frame is written to a connection that is not open.
var ErrNotOpen = errors.New("connection is not open")

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one live duplex connection as the registry sees it.
// It abstracts the socket so the registry and fan-out can be driven by
// fakes in tests.
type Client interface {
	// ID is unique per physical socket.
	ID() string
	UserID() string
	// RoomID is empty for notification connections.
	RoomID() string

	State() State
	// LastHeartbeat is the time of the last pong (or the open time).
	LastHeartbeat() time.Time

	// Send queues an encoded frame without blocking. It reports false
	// when the connection is not open or its queue is full.
	Send(frame []byte) bool
	// Ping writes a ping control frame.
	Ping() error
	// Terminate drops the socket without a close handshake.
	Terminate()
	// Close starts the close handshake with the given code.
	Close(code int, reason string)
}
