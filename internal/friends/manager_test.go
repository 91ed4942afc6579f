package friends

import (
	"testing"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRequestAcceptFlow(t *testing.T) {
	m := newManager(t)
	p := proto.Profile{UserID: "u1", Name: "Sam"}

	if !m.AddRequest("peer1", p) {
		t.Fatal("first request rejected")
	}
	// Repeated request from the same identity is collapsed.
	if m.AddRequest("peer1", p) {
		t.Fatal("duplicate request accepted")
	}
	// Same identity on a rotated transport id still collapses.
	if m.AddRequest("peer1-rotated", p) {
		t.Fatal("request from rotated peer id accepted")
	}

	reqs := m.Requests()
	if len(reqs) != 1 || reqs[0].Key != "u1" {
		t.Fatalf("requests = %+v", reqs)
	}

	req, err := m.Accept("u1")
	if err != nil {
		t.Fatal(err)
	}
	if req.PeerID != "peer1" {
		t.Fatalf("accepted request = %+v", req)
	}
	if !m.IsFriend("peer1", p) {
		t.Fatal("not a friend after accept")
	}
	if len(m.Requests()) != 0 {
		t.Fatal("request survived accept")
	}

	// Accept is idempotent: re-accepting an already-friended key succeeds.
	if _, err := m.Accept("u1"); err != nil {
		t.Fatalf("re-accept errored: %v", err)
	}

	// A later request from an existing friend is dropped.
	if m.AddRequest("peer1", p) {
		t.Fatal("request from existing friend accepted")
	}
}

func TestAcceptUnknownKey(t *testing.T) {
	m := newManager(t)
	if _, err := m.Accept("nobody"); err == nil {
		t.Fatal("accepting a missing request succeeded")
	}
}

func TestReject(t *testing.T) {
	m := newManager(t)
	p := proto.Profile{UserID: "u2", Name: "Kim"}
	m.AddRequest("peer2", p)
	m.Reject("u2")
	if len(m.Requests()) != 0 {
		t.Fatal("request survived reject")
	}
	if m.IsFriend("peer2", p) {
		t.Fatal("reject created a friend")
	}
	// The same sender can ask again later.
	if !m.AddRequest("peer2", p) {
		t.Fatal("request after reject blocked")
	}
}

func TestAddFriendDedupsByStableID(t *testing.T) {
	m := newManager(t)
	p := proto.Profile{UserID: "u3", Name: "Ash"}

	// friend_accept received twice, second time with a new transport id.
	if err := m.AddFriend("peerA", p); err != nil {
		t.Fatal(err)
	}
	if err := m.AddFriend("peerB", p); err != nil {
		t.Fatal(err)
	}

	friends := m.Friends()
	if len(friends) != 1 {
		t.Fatalf("friends = %d, want 1 (stable id collapses duplicates)", len(friends))
	}
	if friends[0].PeerID != "peerB" {
		t.Fatalf("peer id = %s, want latest", friends[0].PeerID)
	}

	// AddFriend clears any matching pending request.
	m.AddRequest("peerC", proto.Profile{UserID: "u4"})
	m.AddFriend("peerC", proto.Profile{UserID: "u4"})
	if len(m.Requests()) != 0 {
		t.Fatal("pending request survived AddFriend")
	}
}

func TestNoteProfileRefreshesPeerID(t *testing.T) {
	m := newManager(t)
	p := proto.Profile{UserID: "u5", Name: "Max"}
	m.AddFriend("peer-old", p)

	m.NoteProfile("peer-new", p)
	friends := m.Friends()
	if len(friends) != 1 || friends[0].PeerID != "peer-new" {
		t.Fatalf("friends = %+v, want refreshed peer id", friends)
	}

	// Profiles without a stable id change nothing.
	m.NoteProfile("peer-x", proto.Profile{Name: "anon"})
	if got := m.Friends()[0].PeerID; got != "peer-new" {
		t.Fatalf("peer id = %s after anonymous profile", got)
	}
}

func TestRemove(t *testing.T) {
	m := newManager(t)
	p := proto.Profile{UserID: "u6"}
	m.AddFriend("peerZ", p)
	if err := m.Remove("u6"); err != nil {
		t.Fatal(err)
	}
	if m.IsFriend("peerZ", p) {
		t.Fatal("friend survived remove")
	}
}
