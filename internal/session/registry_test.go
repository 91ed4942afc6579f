package session

import (
	"testing"

	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

// fakeConn is a minimal transport.Conn for registry tests.
type fakeConn struct {
	remote string
	role   transport.Role
	closed bool
}

func (f *fakeConn) RemoteID() string { return f.remote }

func (f *fakeConn) Role() transport.Role { return f.role }

func (f *fakeConn) Outbound() bool { return false }

func (f *fakeConn) SetHandlers(_ transport.Handlers) {}

func (f *fakeConn) Start() {}

func (f *fakeConn) Send(_ []byte) error { return nil }

func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	if r.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", r.State())
	}

	t.Run("start search", func(t *testing.T) {
		if !r.StartSearch() {
			t.Fatal("StartSearch failed from idle")
		}
		if r.State() != StateSearching {
			t.Fatalf("state = %s, want searching", r.State())
		}
		if r.StartSearch() {
			t.Fatal("StartSearch should be a no-op while already searching")
		}
	})

	t.Run("occupy and open", func(t *testing.T) {
		c := &fakeConn{remote: "peerA", role: transport.RoleMain}
		if !r.OccupyMainInbound(c) {
			t.Fatal("OccupyMainInbound rejected with empty slot")
		}

		// Slot occupied but not open yet: still searching.
		if r.State() != StateSearching {
			t.Fatalf("state = %s, want searching before open", r.State())
		}

		// A second candidate must lose the slot race.
		c2 := &fakeConn{remote: "peerB", role: transport.RoleMain}
		if r.OccupyMainInbound(c2) {
			t.Fatal("second inbound occupied a taken slot")
		}
		if r.OccupyMainOutbound(c2) {
			t.Fatal("outbound occupied a taken slot")
		}

		if !r.MarkMainOpen(c) {
			t.Fatal("MarkMainOpen failed for occupying conn")
		}
		if r.State() != StateConnected {
			t.Fatalf("state = %s, want connected", r.State())
		}
		if r.Partner() != "peerA" {
			t.Fatalf("partner = %q, want peerA", r.Partner())
		}

		// Stale open for a conn that never held the slot.
		if r.MarkMainOpen(c2) {
			t.Fatal("MarkMainOpen succeeded for non-occupying conn")
		}
	})

	t.Run("release from connected", func(t *testing.T) {
		c, _ := r.MainConn()
		released, wasConnected := r.ReleaseMain(c)
		if !released || !wasConnected {
			t.Fatalf("ReleaseMain = (%v, %v), want (true, true)", released, wasConnected)
		}
		if r.State() != StateDisconnected {
			t.Fatalf("state = %s, want disconnected", r.State())
		}
		if r.Partner() != "" {
			t.Fatalf("partner = %q, want empty after release", r.Partner())
		}

		// Stale release is ignored.
		released, _ = r.ReleaseMain(c)
		if released {
			t.Fatal("stale ReleaseMain reported released")
		}
	})
}

func TestRegistryFailedAttemptKeepsSearching(t *testing.T) {
	r := NewRegistry()
	r.StartSearch()

	if !r.TryBeginAttempt() {
		t.Fatal("TryBeginAttempt failed while searching")
	}
	if r.TryBeginAttempt() {
		t.Fatal("second TryBeginAttempt succeeded with one in flight")
	}

	c := &fakeConn{remote: "peerX", role: transport.RoleMain}
	if !r.OccupyMainOutbound(c) {
		t.Fatal("OccupyMainOutbound failed")
	}

	// The attempt fails before open: release must not leave Searching.
	released, wasConnected := r.ReleaseMain(c)
	if !released || wasConnected {
		t.Fatalf("ReleaseMain = (%v, %v), want (true, false)", released, wasConnected)
	}
	if r.State() != StateSearching {
		t.Fatalf("state = %s, want searching after failed attempt", r.State())
	}
	if !r.TryBeginAttempt() {
		t.Fatal("attempt slot not freed by release")
	}
}

func TestRegistryInboundIgnoresInFlight(t *testing.T) {
	r := NewRegistry()
	r.StartSearch()
	r.TryBeginAttempt()

	// An inbound main during our own jitter wait must win the slot,
	// otherwise two mutual searchers can starve each other.
	c := &fakeConn{remote: "peerY", role: transport.RoleMain}
	if !r.OccupyMainInbound(c) {
		t.Fatal("inbound rejected while outbound attempt in flight")
	}
	if r.StillSearchingAndFree() {
		t.Fatal("StillSearchingAndFree true with occupied slot")
	}
}

func TestRegistryBlacklist(t *testing.T) {
	r := NewRegistry()
	r.StartSearch()
	r.Blacklist("bad")
	if !r.IsBlacklisted("bad") {
		t.Fatal("blacklisted peer not reported")
	}

	// A new search episode clears the blacklist.
	r.StopSearch()
	r.StartSearch()
	if r.IsBlacklisted("bad") {
		t.Fatal("blacklist survived a new search episode")
	}

	// A successful pairing clears it too.
	r.Blacklist("bad")
	c := &fakeConn{remote: "ok", role: transport.RoleMain}
	r.OccupyMainInbound(c)
	r.MarkMainOpen(c)
	if r.IsBlacklisted("bad") {
		t.Fatal("blacklist survived a successful pairing")
	}
}

func TestRegistryDirectMap(t *testing.T) {
	r := NewRegistry()

	c1 := &fakeConn{remote: "p1", role: transport.RoleDirect}
	if old := r.PutDirect("p1", c1); old != nil {
		t.Fatal("unexpected previous conn")
	}

	// Replacing returns the old conn for the caller to close.
	c2 := &fakeConn{remote: "p1", role: transport.RoleDirect}
	if old := r.PutDirect("p1", c2); old != transport.Conn(c1) {
		t.Fatal("replace did not return previous conn")
	}

	// Removing the stale conn is a no-op; the current one stays mapped.
	if r.RemoveDirect("p1", c1) {
		t.Fatal("stale RemoveDirect succeeded")
	}
	if got, ok := r.GetDirect("p1"); !ok || got != transport.Conn(c2) {
		t.Fatal("current direct conn lost")
	}

	if !r.RemoveDirect("p1", c2) {
		t.Fatal("RemoveDirect failed for current conn")
	}
	if _, ok := r.GetDirect("p1"); ok {
		t.Fatal("direct conn still mapped after remove")
	}
}
