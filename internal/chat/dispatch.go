package chat

import (
	"encoding/json"
	"log"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

// DirectEvent is a discrete event surfaced for direct-role traffic, tagged
// with the sender identity (direct payloads never touch the main
// transcript or partner flags).
type DirectEvent struct {
	From      string        `json:"from"`
	Kind      string        `json:"kind"`
	Message   *Message      `json:"message,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Emoji     string        `json:"emoji,omitempty"`
	On        bool          `json:"on,omitempty"`
	Profile   proto.Profile `json:"profile,omitempty"`
}

// Hooks are the dispatcher's outbound edges into session, friends and
// presence state, wired by the engine.
type Hooks struct {
	// SendSeen acknowledges a received main message by id.
	SendSeen func(messageID string)

	PartnerProfile   func(p proto.Profile)
	PartnerTyping    func(on bool)
	PartnerRecording func(on bool)
	PartnerVanish    func(on bool)

	// DisconnectMain runs the explicit Connected→Disconnected transition.
	DisconnectMain func()

	FriendRequest func(peerID string, p proto.Profile)
	FriendAccept  func(peerID string, p proto.Profile)

	DirectEvent func(evt DirectEvent)
}

// Dispatcher routes decoded envelopes to state mutations. Unknown kinds
// are forward-compatible no-ops; malformed payloads are dropped.
type Dispatcher struct {
	transcript *Transcript
	hooks      Hooks
}

func NewDispatcher(transcript *Transcript, hooks Hooks) *Dispatcher {
	return &Dispatcher{transcript: transcript, hooks: hooks}
}

func (d *Dispatcher) Dispatch(role transport.Role, from string, env proto.Envelope) {
	main := role == transport.RoleMain

	switch env.Kind {
	case proto.KindMessage:
		text, ok := stringPayload(env.Payload)
		if !ok {
			drop(env.Kind, from)
			return
		}
		msg := NewIncoming(env.ID, env.DataKind, text)
		if main {
			d.transcript.Append(msg)
			if env.ID != "" && d.hooks.SendSeen != nil {
				d.hooks.SendSeen(env.ID)
			}
		} else {
			d.direct(DirectEvent{From: from, Kind: proto.KindMessage, Message: msg})
		}

	case proto.KindTyping:
		on, ok := boolPayload(env.Payload)
		if !ok {
			drop(env.Kind, from)
			return
		}
		if main {
			if d.hooks.PartnerTyping != nil {
				d.hooks.PartnerTyping(on)
			}
		} else {
			d.direct(DirectEvent{From: from, Kind: proto.KindTyping, On: on})
		}

	case proto.KindRecording:
		on, ok := boolPayload(env.Payload)
		if !ok {
			drop(env.Kind, from)
			return
		}
		if main {
			if d.hooks.PartnerRecording != nil {
				d.hooks.PartnerRecording(on)
			}
		} else {
			d.direct(DirectEvent{From: from, Kind: proto.KindRecording, On: on})
		}

	case proto.KindProfile:
		var p proto.Profile
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			drop(env.Kind, from)
			return
		}
		if main {
			if d.hooks.PartnerProfile != nil {
				d.hooks.PartnerProfile(p)
			}
		} else {
			d.direct(DirectEvent{From: from, Kind: proto.KindProfile, Profile: p})
		}

	case proto.KindReaction:
		var rp proto.ReactionPayload
		if env.MessageID == "" || json.Unmarshal(env.Payload, &rp) != nil || rp.Emoji == "" {
			drop(env.Kind, from)
			return
		}
		if main {
			d.transcript.AddReaction(env.MessageID, rp.Emoji, SenderStranger)
		} else {
			d.direct(DirectEvent{From: from, Kind: proto.KindReaction, MessageID: env.MessageID, Emoji: rp.Emoji})
		}

	case proto.KindEditMessage:
		text, ok := stringPayload(env.Payload)
		if env.MessageID == "" || !ok {
			drop(env.Kind, from)
			return
		}
		if main {
			d.transcript.Edit(env.MessageID, text)
		}

	case proto.KindSeen:
		if env.MessageID == "" {
			drop(env.Kind, from)
			return
		}
		if main {
			d.transcript.MarkSeen(env.MessageID)
		}

	case proto.KindVanishMode:
		on, ok := boolPayload(env.Payload)
		if !ok {
			drop(env.Kind, from)
			return
		}
		if main && d.hooks.PartnerVanish != nil {
			d.hooks.PartnerVanish(on)
		}

	case proto.KindDisconnect:
		if main && d.hooks.DisconnectMain != nil {
			d.hooks.DisconnectMain()
		}

	case proto.KindFriendRequest:
		var p proto.Profile
		_ = json.Unmarshal(env.Payload, &p)
		if d.hooks.FriendRequest != nil {
			d.hooks.FriendRequest(from, p)
		}

	case proto.KindFriendAccept:
		var p proto.Profile
		_ = json.Unmarshal(env.Payload, &p)
		if d.hooks.FriendAccept != nil {
			d.hooks.FriendAccept(from, p)
		}

	default:
		// Unknown kind: forward-compatible no-op.
	}
}

func (d *Dispatcher) direct(evt DirectEvent) {
	if d.hooks.DirectEvent != nil {
		d.hooks.DirectEvent(evt)
	}
}

func stringPayload(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func boolPayload(raw json.RawMessage) (bool, bool) {
	var bp proto.BoolPayload
	if len(raw) == 0 || json.Unmarshal(raw, &bp) != nil {
		return false, false
	}
	return bp.On, true
}

func drop(kind, from string) {
	id := from
	if len(id) > 8 {
		id = id[:8]
	}
	log.Printf("CHAT: dropping malformed %s payload from %s", kind, id)
}
