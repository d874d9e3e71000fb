package core

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosed
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further traffic is possible.
func (s ConnState) Terminal() bool {
	return s == ConnClosed || s == ConnFailed
}

// Connection is a duplex channel bound to one identity.
// The WebSocket transport and test fakes both implement it.
type Connection interface {
	// ID identifies the connection for logging.
	ID() string
	// Send writes one event. It must honour ctx cancellation.
	Send(ctx context.Context, ev *Event) error
	// Close releases the channel. It must not block on the remote peer.
	Close() error
	// OnStateChange subscribes fn to state transitions. The returned func
	// unsubscribes.
	OnStateChange(fn func(ConnState)) (cancel func())
}
