// Package session owns the connection lifecycle: the Registry is the
// single-writer home of the main slot, the direct map, the failure
// blacklist and the in-flight flag; the Controller classifies connections
// and drives state transitions.
package session

import (
	"sync"

	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

// State is the local session lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateSearching    State = "searching"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Event notifies subscribers of registry changes. Matchmaker rescans are
// driven by these rather than polling.
type Event struct {
	Type   string `json:"type"` // state|direct_open|direct_close
	State  State  `json:"state,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// Registry serializes every mutation of session state behind one mutex.
// The invariant it enforces: the session is Connected iff the main slot
// holds an open connection, and at most one main connection exists.
type Registry struct {
	mu        sync.Mutex
	state     State
	main      transport.Conn // occupied on acceptance, before open
	mainOpen  bool
	partner   string
	inFlight  bool
	blacklist map[string]struct{}
	direct    map[string]transport.Conn
	listeners []chan Event
}

func NewRegistry() *Registry {
	return &Registry{
		state:     StateIdle,
		blacklist: make(map[string]struct{}),
		direct:    make(map[string]transport.Conn),
	}
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Partner returns the remote identity of the open main connection, or "".
func (r *Registry) Partner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partner
}

// MainConn returns the current main connection and whether it is open.
func (r *Registry) MainConn() (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.main, r.mainOpen
}

// StartSearch moves to Searching and resets attempt history. No-op while
// Connected; the caller must disconnect first.
func (r *Registry) StartSearch() bool {
	r.mu.Lock()
	if r.state == StateConnected || r.state == StateSearching {
		r.mu.Unlock()
		return false
	}
	r.state = StateSearching
	r.inFlight = false
	r.blacklist = make(map[string]struct{})
	r.notify(Event{Type: "state", State: r.state})
	r.mu.Unlock()
	return true
}

// StopSearch leaves Searching for Idle, clearing the in-flight flag and
// the blacklist (cancelling a search invalidates both).
func (r *Registry) StopSearch() {
	r.mu.Lock()
	if r.state != StateSearching {
		r.mu.Unlock()
		return
	}
	r.state = StateIdle
	r.inFlight = false
	r.blacklist = make(map[string]struct{})
	r.notify(Event{Type: "state", State: r.state})
	r.mu.Unlock()
}

// TryBeginAttempt claims the single outbound-attempt slot. Fails unless we
// are Searching with an empty main slot and no attempt already in flight.
func (r *Registry) TryBeginAttempt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateSearching || r.main != nil || r.inFlight {
		return false
	}
	r.inFlight = true
	return true
}

// EndAttempt releases the attempt slot. Deliberately does not notify:
// paths that need another scan call Wake on the matchmaker, and a blanket
// notify here would have every no-candidate scan retrigger itself.
func (r *Registry) EndAttempt() {
	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()
}

// StillSearchingAndFree re-validates the check-then-act window right
// before a connect is issued: presence snapshots go stale and inbound
// accepts may land during the jitter delay.
func (r *Registry) StillSearchingAndFree() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateSearching && r.main == nil
}

// OccupyMainOutbound parks an outbound attempt in the main slot. The
// caller holds the in-flight flag; only the empty-slot Searching check
// applies.
func (r *Registry) OccupyMainOutbound(c transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateSearching || r.main != nil {
		return false
	}
	r.main = c
	r.mainOpen = false
	return true
}

// OccupyMainInbound is the authoritative collision guard for inbound main
// connections: accepted only while Searching with an empty slot. Occupying
// happens before the transport open event, so a second inbound attempt
// racing the first is still rejected.
func (r *Registry) OccupyMainInbound(c transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateSearching || r.main != nil {
		return false
	}
	r.main = c
	r.mainOpen = false
	return true
}

// MarkMainOpen promotes the occupying connection to Connected. A fresh
// pairing invalidates prior failure history, so the blacklist clears.
func (r *Registry) MarkMainOpen(c transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.main != c {
		return false
	}
	r.mainOpen = true
	r.partner = c.RemoteID()
	r.state = StateConnected
	r.inFlight = false
	r.blacklist = make(map[string]struct{})
	r.notify(Event{Type: "state", State: r.state})
	return true
}

// ReleaseMain clears the main slot if c still occupies it. Returns whether
// the release happened and whether the session was Connected at the time
// (drives the Disconnected transition vs. a silent retry while Searching).
func (r *Registry) ReleaseMain(c transport.Conn) (released, wasConnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.main != c {
		return false, false
	}
	r.main = nil
	wasOpen := r.mainOpen
	r.mainOpen = false
	r.inFlight = false
	if r.state == StateConnected && wasOpen {
		r.state = StateDisconnected
		r.partner = ""
		r.notify(Event{Type: "state", State: r.state})
		return true, true
	}
	r.notify(Event{Type: "state", State: r.state})
	return true, false
}

// Blacklist records a failed pairing target for the current search episode.
func (r *Registry) Blacklist(id string) {
	r.mu.Lock()
	r.blacklist[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) IsBlacklisted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[id]
	return ok
}

// PutDirect stores a direct connection keyed by remote identity, returning
// any previous connection for the same peer (caller closes it).
func (r *Registry) PutDirect(id string, c transport.Conn) transport.Conn {
	r.mu.Lock()
	old := r.direct[id]
	r.direct[id] = c
	r.notify(Event{Type: "direct_open", PeerID: id})
	r.mu.Unlock()
	return old
}

// GetDirect returns the open direct connection for a peer, if any.
func (r *Registry) GetDirect(id string) (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.direct[id]
	return c, ok
}

// RemoveDirect drops the mapping entry if c is still the current one.
func (r *Registry) RemoveDirect(id string, c transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.direct[id]; !ok || cur != c {
		return false
	}
	delete(r.direct, id)
	r.notify(Event{Type: "direct_close", PeerID: id})
	return true
}

// DirectPeers lists identities with an open direct connection.
func (r *Registry) DirectPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.direct))
	for id := range r.direct {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
