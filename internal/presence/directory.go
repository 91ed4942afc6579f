// Package presence defines the lobby directory capability: publish our
// status tuple, receive everyone else's into a shared state.Table, and
// exchange town-square broadcast events. The production implementation is
// the pubsub node in internal/p2p; the Hub here is the in-process double.
package presence

import (
	"sync"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/state"
)

// Directory is one member's handle on the lobby.
type Directory interface {
	// Track publishes our presence tuple (last write wins per identity).
	Track(status string, profile proto.Profile) error

	// Untrack announces explicit departure.
	Untrack() error

	// SendTown broadcasts a town-square message to all members.
	SendTown(msg proto.TownMsg) error

	// SetTownHandler registers the sink for live town broadcasts,
	// including our own (the feed dedups).
	SetTownHandler(fn func(msg proto.TownMsg))

	Close() error
}

// Hub is an in-process lobby connecting member directories directly.
type Hub struct {
	mu      sync.Mutex
	members map[string]*hubMember
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]*hubMember)}
}

// Join adds a member. Remote tuples land in table; the member's own tuple
// is not reflected back (matching pubsub presence semantics).
func (h *Hub) Join(id string, table *state.Table) Directory {
	m := &hubMember{hub: h, id: id, table: table}
	h.mu.Lock()
	h.members[id] = m
	h.mu.Unlock()
	return m
}

func (h *Hub) others(id string) []*hubMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubMember, 0, len(h.members))
	for mid, m := range h.members {
		if mid != id {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) all() []*hubMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubMember, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	return out
}

type hubMember struct {
	hub   *Hub
	id    string
	table *state.Table

	mu     sync.Mutex
	onTown func(msg proto.TownMsg)
}

func (m *hubMember) Track(status string, profile proto.Profile) error {
	msg := proto.PresenceMsg{
		PeerID:  m.id,
		Status:  status,
		TS:      proto.NowMillis(),
		Profile: profile,
	}
	for _, other := range m.hub.others(m.id) {
		other.table.Upsert(msg)
	}
	return nil
}

func (m *hubMember) Untrack() error {
	for _, other := range m.hub.others(m.id) {
		other.table.Remove(m.id)
	}
	return nil
}

func (m *hubMember) SendTown(msg proto.TownMsg) error {
	for _, member := range m.hub.all() {
		member.mu.Lock()
		fn := member.onTown
		member.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
	return nil
}

func (m *hubMember) SetTownHandler(fn func(msg proto.TownMsg)) {
	m.mu.Lock()
	m.onTown = fn
	m.mu.Unlock()
}

func (m *hubMember) Close() error {
	m.hub.mu.Lock()
	delete(m.hub.members, m.id)
	m.hub.mu.Unlock()
	return nil
}
