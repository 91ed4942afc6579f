package state

import (
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
)

// Tuple is the latest presence record seen for one remote peer. Replaced
// wholesale on every publish; only the owner mutates it (last write wins).
type Tuple struct {
	PeerID   string
	Status   string // idle|waiting|paired
	TS       int64  // publish time, FIFO tie-break for waiters
	Profile  proto.Profile
	LastSeen time.Time
}

type Event struct {
	Type   string `json:"type"` // update|remove
	PeerID string `json:"peer_id,omitempty"`
}

// Table holds the synchronized presence snapshot for the lobby. Any change
// notifies subscribers so the matchmaker can rescan event-driven rather
// than poll.
type Table struct {
	mu        sync.Mutex
	peers     map[string]Tuple
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{peers: map[string]Tuple{}}
}

// Upsert applies a presence publish. A heartbeat that repeats the same
// status keeps the original TS so a waiter's FIFO position is the moment
// it started waiting, not its latest refresh.
func (t *Table) Upsert(msg proto.PresenceMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := msg.TS
	if prev, ok := t.peers[msg.PeerID]; ok && prev.Status == msg.Status {
		ts = prev.TS
	}
	t.peers[msg.PeerID] = Tuple{
		PeerID:   msg.PeerID,
		Status:   msg.Status,
		TS:       ts,
		Profile:  msg.Profile,
		LastSeen: time.Now(),
	}
	t.notify(Event{Type: "update", PeerID: msg.PeerID})
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notify(Event{Type: "remove", PeerID: id})
}

func (t *Table) Get(id string) (Tuple, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.peers[id]
	return tp, ok
}

func (t *Table) Snapshot() map[string]Tuple {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Tuple, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale removes peers whose last publish is older than cutoff.
// Presence is heartbeat-refreshed; a silent peer is a gone peer.
func (t *Table) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tp := range t.peers {
		if tp.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notify(Event{Type: "remove", PeerID: id})
		}
	}
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
