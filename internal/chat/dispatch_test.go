package chat

import (
	"encoding/json"
	"testing"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

type hookRecorder struct {
	seen      []string
	typing    []bool
	recording []bool
	vanish    []bool
	profiles  []proto.Profile
	disconn   int
	requests  []string
	accepts   []string
	direct    []DirectEvent
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		SendSeen:         func(id string) { h.seen = append(h.seen, id) },
		PartnerProfile:   func(p proto.Profile) { h.profiles = append(h.profiles, p) },
		PartnerTyping:    func(on bool) { h.typing = append(h.typing, on) },
		PartnerRecording: func(on bool) { h.recording = append(h.recording, on) },
		PartnerVanish:    func(on bool) { h.vanish = append(h.vanish, on) },
		DisconnectMain:   func() { h.disconn++ },
		FriendRequest:    func(peerID string, _ proto.Profile) { h.requests = append(h.requests, peerID) },
		FriendAccept:     func(peerID string, _ proto.Profile) { h.accepts = append(h.accepts, peerID) },
		DirectEvent:      func(evt DirectEvent) { h.direct = append(h.direct, evt) },
	}
}

func env(kind string, mut func(*proto.Envelope)) proto.Envelope {
	e := proto.Envelope{Kind: kind}
	if mut != nil {
		mut(&e)
	}
	return e
}

func TestDispatchMainSession(t *testing.T) {
	tr := NewTranscript(10)
	rec := &hookRecorder{}
	d := NewDispatcher(tr, rec.hooks())

	t.Run("message appends and acks", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindMessage, func(e *proto.Envelope) {
			e.ID = "42"
			e.DataKind = proto.DataText
			e.Payload = proto.MarshalPayload("hello there")
		}))

		msgs := tr.Snapshot()
		if len(msgs) != 1 || msgs[0].Payload != "hello there" || msgs[0].Sender != SenderStranger {
			t.Fatalf("transcript = %+v", msgs)
		}
		if len(rec.seen) != 1 || rec.seen[0] != "42" {
			t.Fatalf("seen acks = %v, want [42]", rec.seen)
		}
	})

	t.Run("reaction", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindReaction, func(e *proto.Envelope) {
			e.MessageID = "42"
			e.Payload = proto.MarshalPayload(proto.ReactionPayload{Emoji: "👍"})
		}))
		m, ok := tr.Get("42")
		if !ok || len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" || m.Reactions[0].Sender != SenderStranger {
			t.Fatalf("message after reaction = %+v", m)
		}
	})

	t.Run("edit", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindEditMessage, func(e *proto.Envelope) {
			e.MessageID = "42"
			e.Payload = proto.MarshalPayload("hello (edited)")
		}))
		m, _ := tr.Get("42")
		if m.Payload != "hello (edited)" || !m.Edited {
			t.Fatalf("message after edit = %+v", m)
		}
	})

	t.Run("seen receipt", func(t *testing.T) {
		tr.Append(&Message{ID: "out-1", Sender: SenderMe, Status: StatusSent})
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindSeen, func(e *proto.Envelope) {
			e.MessageID = "out-1"
		}))
		m, _ := tr.Get("out-1")
		if m.Status != StatusSeen {
			t.Fatalf("status = %s, want seen", m.Status)
		}
	})

	t.Run("flags and profile", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindTyping, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.BoolPayload{On: true})
		}))
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindRecording, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.BoolPayload{On: true})
		}))
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindVanishMode, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.BoolPayload{On: true})
		}))
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindProfile, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.Profile{Name: "zed"})
		}))

		if len(rec.typing) != 1 || !rec.typing[0] {
			t.Fatalf("typing = %v", rec.typing)
		}
		if len(rec.recording) != 1 || len(rec.vanish) != 1 {
			t.Fatalf("recording/vanish = %v / %v", rec.recording, rec.vanish)
		}
		if len(rec.profiles) != 1 || rec.profiles[0].Name != "zed" {
			t.Fatalf("profiles = %v", rec.profiles)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindDisconnect, nil))
		if rec.disconn != 1 {
			t.Fatalf("disconnect hook fired %d times", rec.disconn)
		}
	})

	t.Run("friend kinds", func(t *testing.T) {
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindFriendRequest, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.Profile{UserID: "u1"})
		}))
		d.Dispatch(transport.RoleMain, "peer", env(proto.KindFriendAccept, func(e *proto.Envelope) {
			e.Payload = proto.MarshalPayload(proto.Profile{UserID: "u1"})
		}))
		if len(rec.requests) != 1 || len(rec.accepts) != 1 {
			t.Fatalf("requests = %v accepts = %v", rec.requests, rec.accepts)
		}
	})
}

func TestDispatchMalformedAndUnknown(t *testing.T) {
	tr := NewTranscript(10)
	rec := &hookRecorder{}
	d := NewDispatcher(tr, rec.hooks())

	// Malformed payloads are dropped without side effects.
	d.Dispatch(transport.RoleMain, "peer", env(proto.KindMessage, func(e *proto.Envelope) {
		e.Payload = json.RawMessage(`{not json`)
	}))
	d.Dispatch(transport.RoleMain, "peer", env(proto.KindTyping, func(e *proto.Envelope) {
		e.Payload = json.RawMessage(`"yes"`)
	}))
	d.Dispatch(transport.RoleMain, "peer", env(proto.KindReaction, func(e *proto.Envelope) {
		e.Payload = proto.MarshalPayload(proto.ReactionPayload{Emoji: "🔥"})
		// no MessageID
	}))

	if tr.Len() != 0 {
		t.Fatalf("transcript len = %d after malformed frames", tr.Len())
	}
	if len(rec.typing) != 0 {
		t.Fatalf("typing hook fired on malformed payload")
	}

	// Unknown kinds are forward-compatible no-ops.
	d.Dispatch(transport.RoleMain, "peer", env("hologram", func(e *proto.Envelope) {
		e.Payload = proto.MarshalPayload("??")
	}))
	if tr.Len() != 0 || rec.disconn != 0 {
		t.Fatal("unknown kind had side effects")
	}

	// A reaction for a message that fell out of the window is ignored.
	d.Dispatch(transport.RoleMain, "peer", env(proto.KindReaction, func(e *proto.Envelope) {
		e.MessageID = "long-gone"
		e.Payload = proto.MarshalPayload(proto.ReactionPayload{Emoji: "🔥"})
	}))
}

func TestDispatchDirectRole(t *testing.T) {
	tr := NewTranscript(10)
	rec := &hookRecorder{}
	d := NewDispatcher(tr, rec.hooks())

	d.Dispatch(transport.RoleDirect, "friend1", env(proto.KindMessage, func(e *proto.Envelope) {
		e.ID = "m1"
		e.Payload = proto.MarshalPayload("psst")
	}))

	// Direct traffic never touches the main transcript.
	if tr.Len() != 0 {
		t.Fatalf("transcript len = %d, want 0", tr.Len())
	}
	if len(rec.direct) != 1 {
		t.Fatalf("direct events = %d, want 1", len(rec.direct))
	}
	evt := rec.direct[0]
	if evt.From != "friend1" || evt.Kind != proto.KindMessage || evt.Message.Payload != "psst" {
		t.Fatalf("direct event = %+v", evt)
	}

	// No seen ack for direct messages.
	if len(rec.seen) != 0 {
		t.Fatalf("seen acks = %v for direct message", rec.seen)
	}

	// Main-only kinds are ignored on the direct role.
	d.Dispatch(transport.RoleDirect, "friend1", env(proto.KindDisconnect, nil))
	d.Dispatch(transport.RoleDirect, "friend1", env(proto.KindVanishMode, func(e *proto.Envelope) {
		e.Payload = proto.MarshalPayload(proto.BoolPayload{On: true})
	}))
	if rec.disconn != 0 || len(rec.vanish) != 0 {
		t.Fatal("main-only kind acted on direct role")
	}
}
