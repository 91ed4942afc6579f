// Package friends tracks pending friend requests (transient) and the
// durable friend list.
package friends

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/storage"
)

// Request is a transient pending friend request, cleared on accept/reject.
type Request struct {
	Key     string        `json:"key"`
	PeerID  string        `json:"peerId"`
	Profile proto.Profile `json:"profile"`
	At      int64         `json:"at"`
}

// Manager owns the pending-request set and the durable friend rows.
type Manager struct {
	db *storage.DB

	mu       sync.Mutex
	requests map[string]Request
	onChange func()
}

func New(db *storage.DB) *Manager {
	return &Manager{db: db, requests: make(map[string]Request)}
}

// SetOnChange registers a single change listener (the engine event bridge).
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// identityKey prefers the stable user id over the transport identity;
// transport ids rotate between sessions, stable ids do not.
func identityKey(peerID string, p proto.Profile) string {
	if p.UserID != "" {
		return p.UserID
	}
	return peerID
}

// AddRequest enqueues a pending request unless one already correlates to
// this sender or the sender is already a friend. Returns whether the
// request was enqueued.
func (m *Manager) AddRequest(peerID string, p proto.Profile) bool {
	key := identityKey(peerID, p)
	if m.db.HasFriend(key) {
		return false
	}
	m.mu.Lock()
	if _, exists := m.requests[key]; exists {
		m.mu.Unlock()
		return false
	}
	m.requests[key] = Request{
		Key:     key,
		PeerID:  peerID,
		Profile: p,
		At:      time.Now().UnixMilli(),
	}
	m.mu.Unlock()
	m.changed()
	log.Printf("FRIENDS: request from %s", key)
	return true
}

// Accept promotes a pending request to a durable friend. Idempotent: an
// already-absent request with an existing friend row is not an error.
func (m *Manager) Accept(key string) (Request, error) {
	m.mu.Lock()
	req, ok := m.requests[key]
	if ok {
		delete(m.requests, key)
	}
	m.mu.Unlock()
	if !ok {
		if m.db.HasFriend(key) {
			return Request{}, nil
		}
		return Request{}, fmt.Errorf("no pending request for %s", key)
	}
	if err := m.db.UpsertFriend(storage.Friend{
		Key:    key,
		UserID: req.Profile.UserID,
		PeerID: req.PeerID,
		Name:   req.Profile.Name,
		Avatar: req.Profile.Avatar,
	}); err != nil {
		return Request{}, fmt.Errorf("store friend: %w", err)
	}
	m.changed()
	return req, nil
}

// Reject drops a pending request.
func (m *Manager) Reject(key string) {
	m.mu.Lock()
	_, ok := m.requests[key]
	delete(m.requests, key)
	m.mu.Unlock()
	if ok {
		m.changed()
	}
}

// AddFriend records a friend directly (receipt of friend_accept). The
// upsert keys on the stable identity, so duplicates collapse into one row.
func (m *Manager) AddFriend(peerID string, p proto.Profile) error {
	key := identityKey(peerID, p)
	err := m.db.UpsertFriend(storage.Friend{
		Key:    key,
		UserID: p.UserID,
		PeerID: peerID,
		Name:   p.Name,
		Avatar: p.Avatar,
	})
	if err != nil {
		return fmt.Errorf("store friend: %w", err)
	}
	// A matching pending request is now moot.
	m.mu.Lock()
	delete(m.requests, key)
	m.mu.Unlock()
	m.changed()
	return nil
}

// Remove deletes a friend row.
func (m *Manager) Remove(key string) error {
	if err := m.db.DeleteFriend(key); err != nil {
		return err
	}
	m.changed()
	return nil
}

// RefreshPeerID updates a friend's transport identity after they reappear
// with a new one.
func (m *Manager) RefreshPeerID(key, peerID string) {
	if m.db.HasFriend(key) {
		_ = m.db.UpdateFriendPeerID(key, peerID)
	}
}

// NoteProfile refreshes a friend's transport identity from a received
// profile, keyed by the stable user id.
func (m *Manager) NoteProfile(peerID string, p proto.Profile) {
	if p.UserID == "" {
		return
	}
	m.RefreshPeerID(p.UserID, peerID)
}

// Requests returns the pending set.
func (m *Manager) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	return out
}

// Friends returns the durable friend list.
func (m *Manager) Friends() []storage.Friend {
	rows, err := m.db.ListFriends()
	if err != nil {
		log.Printf("FRIENDS: list failed: %v", err)
		return nil
	}
	return rows
}

// IsFriend reports whether the sender (by stable id, else peer id) is a friend.
func (m *Manager) IsFriend(peerID string, p proto.Profile) bool {
	return m.db.HasFriend(identityKey(peerID, p))
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
