package proto

import (
	"encoding/json"
	"time"
)

const (
	// Pubsub topic carrying presence tuples for the matchmaking lobby.
	PresenceTopic = "strangers.presence.v1"

	// Pubsub topic for the public many-to-many town-square channel.
	TownTopic = "strangers.town.v1"

	MdnsTag = "strangers-mdns"

	// libp2p stream protocol ID for the paired (main) session
	MainProtoID = "/strangers/main/1.0.0"

	// libp2p stream protocol ID for direct connections to known peers
	DirectProtoID = "/strangers/direct/1.0.0"
)

// Presence status values. Every participant publishes exactly one tuple;
// "waiting" marks a peer as a matchmaking candidate.
const (
	StatusIdle    = "idle"
	StatusWaiting = "waiting"
	StatusPaired  = "paired"
)

// PresenceMsg is the wire format for presence tuples on PresenceTopic.
// Last write wins per peer; TS orders waiters for FIFO matchmaking.
type PresenceMsg struct {
	PeerID  string  `json:"peerId"`
	Status  string  `json:"status"` // idle|waiting|paired
	TS      int64   `json:"ts"`
	Profile Profile `json:"profile"`
	Gone    bool    `json:"gone,omitempty"` // explicit leave
}

// Profile is the display identity carried in presence tuples and sent as
// the first frame of every main session (the handshake).
type Profile struct {
	UserID string `json:"userId,omitempty"` // stable across transport identities
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Payload kind discriminants for the session wire envelope.
const (
	KindMessage       = "message"
	KindTyping        = "typing"
	KindRecording     = "recording"
	KindProfile       = "profile"
	KindReaction      = "reaction"
	KindEditMessage   = "edit_message"
	KindSeen          = "seen"
	KindVanishMode    = "vanish_mode"
	KindDisconnect    = "disconnect"
	KindFriendRequest = "friend_request"
	KindFriendAccept  = "friend_accept"
)

// Data kinds for KindMessage payloads.
const (
	DataText  = "text"
	DataImage = "image"
	DataAudio = "audio"
)

// Envelope is the typed payload union exchanged over a session stream as
// newline-delimited JSON. Kind selects the variant; field presence is keyed
// to Kind. Unknown kinds must be ignored by receivers.
type Envelope struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id,omitempty"`        // message id (KindMessage)
	MessageID string          `json:"messageId,omitempty"` // correlation (reaction/edit/seen)
	DataKind  string          `json:"dataKind,omitempty"`  // text|image|audio
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ReactionPayload is the payload for KindReaction.
type ReactionPayload struct {
	Emoji string `json:"emoji"`
}

// BoolPayload is the payload for typing/recording/vanish_mode flags.
type BoolPayload struct {
	On bool `json:"on"`
}

// TownMsg is the wire format for town-square broadcasts on TownTopic and
// the row shape persisted in the broadcast log. The hybrid delivery path
// may deliver the same logical message from both sources; receivers dedup
// by ID or by (Text, From, ~1s).
type TownMsg struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// MarshalPayload encodes v into a RawMessage for an Envelope payload.
func MarshalPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
