package state

import (
	"testing"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
)

func TestTableUpsertKeepsWaitingTS(t *testing.T) {
	tbl := NewTable()

	tbl.Upsert(proto.PresenceMsg{PeerID: "p1", Status: proto.StatusWaiting, TS: 1000})

	// Heartbeat republish with the same status must not move the peer to
	// the back of the FIFO queue.
	tbl.Upsert(proto.PresenceMsg{PeerID: "p1", Status: proto.StatusWaiting, TS: 9000})
	if tp, _ := tbl.Get("p1"); tp.TS != 1000 {
		t.Fatalf("TS = %d after heartbeat, want 1000", tp.TS)
	}

	// A status change takes the new timestamp.
	tbl.Upsert(proto.PresenceMsg{PeerID: "p1", Status: proto.StatusPaired, TS: 9500})
	if tp, _ := tbl.Get("p1"); tp.Status != proto.StatusPaired || tp.TS != 9500 {
		t.Fatalf("tuple = %+v after status change", tp)
	}

	// Returning to waiting restarts the queue position.
	tbl.Upsert(proto.PresenceMsg{PeerID: "p1", Status: proto.StatusWaiting, TS: 9900})
	if tp, _ := tbl.Get("p1"); tp.TS != 9900 {
		t.Fatalf("TS = %d after re-waiting, want 9900", tp.TS)
	}
}

func TestTablePruneStale(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(proto.PresenceMsg{PeerID: "old", Status: proto.StatusWaiting, TS: 1})
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	tbl.Upsert(proto.PresenceMsg{PeerID: "fresh", Status: proto.StatusWaiting, TS: 2})

	tbl.PruneStale(cutoff)
	if _, ok := tbl.Get("old"); ok {
		t.Fatal("stale peer survived prune")
	}
	if _, ok := tbl.Get("fresh"); !ok {
		t.Fatal("fresh peer pruned")
	}
}

func TestTableEvents(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert(proto.PresenceMsg{PeerID: "p1", Status: proto.StatusIdle, TS: 1})
	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.PeerID != "p1" {
			t.Fatalf("event = %+v", evt)
		}
	default:
		t.Fatal("no event after upsert")
	}

	tbl.Remove("p1")
	select {
	case evt := <-ch:
		if evt.Type != "remove" {
			t.Fatalf("event = %+v", evt)
		}
	default:
		t.Fatal("no event after remove")
	}

	// Removing an absent peer is silent.
	tbl.Remove("p1")
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}
