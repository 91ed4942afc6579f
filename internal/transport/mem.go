package transport

import (
	"context"
	"sync"
)

// Network is an in-process transport fabric connecting mem adapters by
// identity. Dials complete synchronously on Start unless the target is
// marked silent (dial hangs, for timeout tests) or absent (error).
type Network struct {
	mu       sync.Mutex
	adapters map[string]*memAdapter
	silent   map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		adapters: make(map[string]*memAdapter),
		silent:   make(map[string]bool),
	}
}

// Adapter creates and registers an endpoint with the given identity.
func (n *Network) Adapter(id string) Adapter {
	a := &memAdapter{net: n, id: id}
	n.mu.Lock()
	n.adapters[id] = a
	n.mu.Unlock()
	return a
}

// SetSilent makes dials to id hang without ever opening. Used to exercise
// the matchmaker connect timeout and blacklist path.
func (n *Network) SetSilent(id string, silent bool) {
	n.mu.Lock()
	n.silent[id] = silent
	n.mu.Unlock()
}

func (n *Network) lookup(id string) (*memAdapter, bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.adapters[id]
	return a, ok, n.silent[id]
}

type memAdapter struct {
	net *Network
	id  string

	mu     sync.Mutex
	accept func(Conn)
	closed bool
}

func (a *memAdapter) LocalID() string { return a.id }

func (a *memAdapter) SetAcceptHandler(fn func(Conn)) {
	a.mu.Lock()
	a.accept = fn
	a.mu.Unlock()
}

func (a *memAdapter) Connect(_ context.Context, remoteID string, role Role) (Conn, error) {
	c := newMemConn(a, remoteID, role, true)
	return c, nil
}

func (a *memAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *memAdapter) deliver(c *memConn) bool {
	a.mu.Lock()
	fn := a.accept
	closed := a.closed
	a.mu.Unlock()
	if closed || fn == nil {
		return false
	}
	fn(c)
	return true
}

const (
	evOpen = iota
	evData
	evClose
	evError
)

type memEvent struct {
	kind int
	data []byte
	err  error
}

type memConn struct {
	adapter  *memAdapter
	remote   string
	role     Role
	outbound bool

	h      Handlers
	events chan memEvent

	mu       sync.Mutex
	peer     *memConn
	open     bool
	closed   bool
	started  bool
	finished bool // terminal event enqueued, ignore further events
}

func newMemConn(a *memAdapter, remote string, role Role, outbound bool) *memConn {
	return &memConn{
		adapter:  a,
		remote:   remote,
		role:     role,
		outbound: outbound,
		events:   make(chan memEvent, 256),
	}
}

func (c *memConn) RemoteID() string { return c.remote }
func (c *memConn) Role() Role       { return c.role }
func (c *memConn) Outbound() bool   { return c.outbound }

func (c *memConn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *memConn) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.loop()
	if c.outbound {
		go c.dial()
	}
}

// dial resolves the remote endpoint and wires the connection pair. The
// accept handler on the remote side runs before either open event, so a
// rejecting handler closes the pair before the dialer ever sees open.
func (c *memConn) dial() {
	target, ok, silent := c.adapter.net.lookup(c.remote)
	if silent {
		return // black hole: no open, no error, the caller's timeout fires
	}
	if !ok {
		c.enqueue(memEvent{kind: evError, err: ErrUnknownPeer})
		return
	}

	in := newMemConn(target, c.adapter.id, c.role, false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.peer = in
	c.mu.Unlock()
	in.mu.Lock()
	in.peer = c
	in.mu.Unlock()

	if !target.deliver(in) {
		c.enqueue(memEvent{kind: evError, err: ErrUnknownPeer})
		return
	}

	in.mu.Lock()
	rejected := in.closed
	in.mu.Unlock()
	if rejected {
		c.enqueue(memEvent{kind: evClose})
		return
	}

	c.markOpen()
	in.markOpen()
}

func (c *memConn) markOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	c.enqueue(memEvent{kind: evOpen})
}

func (c *memConn) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	p, open := c.peer, c.open
	c.mu.Unlock()
	if !open || p == nil {
		return ErrNotOpen
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.enqueue(memEvent{kind: evData, data: buf})
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.peer
	c.mu.Unlock()

	c.enqueue(memEvent{kind: evClose})
	if p != nil {
		p.enqueue(memEvent{kind: evClose})
	}
	return nil
}

func (c *memConn) enqueue(ev memEvent) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	if ev.kind == evClose || ev.kind == evError {
		c.finished = true
	}
	c.mu.Unlock()
	select {
	case c.events <- ev:
	default:
		// Buffer full can only happen with a stalled consumer; terminal
		// events must not be lost, data may be.
		if ev.kind == evClose || ev.kind == evError {
			c.events <- ev
		}
	}
}

func (c *memConn) loop() {
	for ev := range c.events {
		c.mu.Lock()
		h := c.h
		c.mu.Unlock()
		switch ev.kind {
		case evOpen:
			if h.OnOpen != nil {
				h.OnOpen()
			}
		case evData:
			if h.OnData != nil {
				h.OnData(ev.data)
			}
		case evClose:
			if h.OnClose != nil {
				h.OnClose()
			}
			return
		case evError:
			if h.OnError != nil {
				h.OnError(ev.err)
			}
			return
		}
	}
}
