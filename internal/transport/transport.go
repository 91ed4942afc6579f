// Package transport defines the byte-oriented peer channel the session
// protocol runs over. Production traffic uses the libp2p adapter in
// internal/p2p; tests use the in-memory adapter in mem.go.
package transport

import (
	"context"
	"errors"
)

// Role tags a connection as the paired main session or a secondary direct
// channel to a known peer. Carried as connect metadata (protocol ID on
// libp2p) so the acceptor can classify before any payload arrives.
type Role string

const (
	RoleMain   Role = "main"
	RoleDirect Role = "direct"
)

var (
	ErrNotOpen     = errors.New("transport: connection not open")
	ErrClosed      = errors.New("transport: connection closed")
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Handlers receives connection lifecycle events. Events for one connection
// are delivered sequentially: OnOpen at most once, then any number of
// OnData, then OnClose or OnError exactly once.
type Handlers struct {
	OnOpen  func()
	OnData  func(payload []byte)
	OnClose func()
	OnError func(err error)
}

// Conn is a bidirectional channel to one remote peer.
//
// A Conn starts pending: SetHandlers must be called before Start, and no
// events are delivered until Start. Dialing may happen inside
// Adapter.Connect or be deferred to Start; either way the open event
// arrives asynchronously after Start. Close is idempotent and cancels a
// pending dial.
type Conn interface {
	RemoteID() string
	Role() Role
	Outbound() bool
	SetHandlers(h Handlers)
	Start()
	Send(payload []byte) error
	Close() error
}

// Adapter turns peer identities into connections.
type Adapter interface {
	// LocalID returns this endpoint's identity, assigned by the transport.
	LocalID() string

	// Connect creates a pending outbound connection. An unreachable peer
	// surfaces here or through OnError after Start, depending on the
	// implementation; the caller sets handlers and calls Start.
	Connect(ctx context.Context, remoteID string, role Role) (Conn, error)

	// SetAcceptHandler registers the sink for inbound connections. The
	// handler must either set handlers and Start the conn, or Close it to
	// reject. It runs before the remote side sees an open event.
	SetAcceptHandler(fn func(Conn))

	Close() error
}
