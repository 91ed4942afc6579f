package session

import (
	"encoding/json"
	"log"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

// Hooks are the Controller's outbound edges, wired by the engine.
type Hooks struct {
	// SelfProfile supplies the handshake frame sent first on every main open.
	SelfProfile func() proto.Profile

	// OnMainOpen fires after the handshake frame is sent.
	OnMainOpen func(remote string)

	// OnMainClosed fires when the main slot is released. wasConnected
	// distinguishes a live-session drop (Disconnected transition already
	// applied) from a failed attempt (still Searching, matchmaker retries).
	OnMainClosed func(remote string, wasConnected bool)

	OnDirectOpen   func(remote string)
	OnDirectClosed func(remote string)

	// Dispatch routes every decoded envelope.
	Dispatch func(role transport.Role, remote string, env proto.Envelope)
}

// Controller classifies connections by role metadata and applies the
// lifecycle transitions. It is the single source of truth that rejects a
// second main candidate once one is pending.
type Controller struct {
	reg   *Registry
	hooks Hooks
}

func NewController(reg *Registry, hooks Hooks) *Controller {
	return &Controller{reg: reg, hooks: hooks}
}

// HandleInbound is the transport accept handler.
func (c *Controller) HandleInbound(conn transport.Conn) {
	switch conn.Role() {
	case transport.RoleMain:
		// The slot is occupied before the open event, so a second inbound
		// racing the first still hits an occupied slot here.
		if !c.reg.OccupyMainInbound(conn) {
			log.Printf("SESSION: rejecting inbound main from %s (state=%s)", short(conn.RemoteID()), c.reg.State())
			_ = conn.Close()
			return
		}
		c.attachMain(conn)
		conn.Start()
	case transport.RoleDirect:
		c.attachDirect(conn)
		conn.Start()
	default:
		log.Printf("SESSION: unknown role %q from %s, closing", conn.Role(), short(conn.RemoteID()))
		_ = conn.Close()
	}
}

// AdoptMain parks an outbound main attempt in the slot and starts it.
// Returns false (and closes the conn) if the slot was taken during the
// dial setup.
func (c *Controller) AdoptMain(conn transport.Conn) bool {
	if !c.reg.OccupyMainOutbound(conn) {
		_ = conn.Close()
		return false
	}
	c.attachMain(conn)
	conn.Start()
	return true
}

// AdoptDirect starts an outbound direct connection (callPeer).
func (c *Controller) AdoptDirect(conn transport.Conn) {
	c.attachDirect(conn)
	conn.Start()
}

func (c *Controller) attachMain(conn transport.Conn) {
	remote := conn.RemoteID()
	conn.SetHandlers(transport.Handlers{
		OnOpen: func() {
			if !c.reg.MarkMainOpen(conn) {
				// Slot moved on while the open was in flight.
				_ = conn.Close()
				return
			}
			log.Printf("SESSION: main open with %s", short(remote))
			c.sendHandshake(conn)
			if c.hooks.OnMainOpen != nil {
				c.hooks.OnMainOpen(remote)
			}
		},
		OnData: func(payload []byte) {
			c.dispatch(transport.RoleMain, remote, payload)
		},
		OnClose: func() {
			c.releaseMain(conn, remote, nil)
		},
		OnError: func(err error) {
			c.releaseMain(conn, remote, err)
		},
	})
}

func (c *Controller) releaseMain(conn transport.Conn, remote string, err error) {
	released, wasConnected := c.reg.ReleaseMain(conn)
	if !released {
		return // a stale event for a connection that already lost the slot
	}
	_ = conn.Close()
	if err != nil {
		log.Printf("SESSION: main to %s failed: %v", short(remote), err)
	} else {
		log.Printf("SESSION: main to %s closed (connected=%v)", short(remote), wasConnected)
	}
	if c.hooks.OnMainClosed != nil {
		c.hooks.OnMainClosed(remote, wasConnected)
	}
}

func (c *Controller) attachDirect(conn transport.Conn) {
	remote := conn.RemoteID()
	conn.SetHandlers(transport.Handlers{
		OnOpen: func() {
			if old := c.reg.PutDirect(remote, conn); old != nil {
				_ = old.Close()
			}
			log.Printf("SESSION: direct open with %s", short(remote))
			c.sendHandshake(conn)
			if c.hooks.OnDirectOpen != nil {
				c.hooks.OnDirectOpen(remote)
			}
		},
		OnData: func(payload []byte) {
			c.dispatch(transport.RoleDirect, remote, payload)
		},
		OnClose: func() {
			c.dropDirect(conn, remote)
		},
		OnError: func(err error) {
			log.Printf("SESSION: direct to %s failed: %v", short(remote), err)
			c.dropDirect(conn, remote)
		},
	})
}

func (c *Controller) dropDirect(conn transport.Conn, remote string) {
	_ = conn.Close()
	if c.reg.RemoveDirect(remote, conn) {
		log.Printf("SESSION: direct to %s closed", short(remote))
		if c.hooks.OnDirectClosed != nil {
			c.hooks.OnDirectClosed(remote)
		}
	}
}

// sendHandshake writes the profile as the mandatory first frame.
func (c *Controller) sendHandshake(conn transport.Conn) {
	if c.hooks.SelfProfile == nil {
		return
	}
	env := proto.Envelope{
		Kind:    proto.KindProfile,
		Payload: proto.MarshalPayload(c.hooks.SelfProfile()),
	}
	data, _ := json.Marshal(env)
	if err := conn.Send(data); err != nil {
		log.Printf("SESSION: handshake to %s failed: %v", short(conn.RemoteID()), err)
	}
}

// dispatch decodes one frame. A malformed frame is dropped, never fatal to
// the connection.
func (c *Controller) dispatch(role transport.Role, remote string, payload []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("SESSION: bad frame from %s: %v", short(remote), err)
		return
	}
	if env.Kind == "" {
		return
	}
	if c.hooks.Dispatch != nil {
		c.hooks.Dispatch(role, remote, env)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
