package chat

import (
	"time"

	"github.com/google/uuid"
)

// Sender classifies who produced a transcript entry.
type Sender string

const (
	SenderMe       Sender = "me"
	SenderStranger Sender = "stranger"
	SenderSystem   Sender = "system"
)

// Status is the delivery status of an outgoing message.
type Status string

const (
	StatusSent Status = "sent"
	StatusSeen Status = "seen"
)

// Reaction is one emoji attached to a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	Sender Sender `json:"sender"`
}

// Message is one transcript entry. Mutated in place for reaction, edit and
// seen events; correlated by ID, which is unique per sender.
type Message struct {
	ID        string     `json:"id"`
	DataKind  string     `json:"dataKind"` // text|image|audio
	Payload   string     `json:"payload"`
	Sender    Sender     `json:"sender"`
	SentAt    int64      `json:"sentAt"`
	Status    Status     `json:"status"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Edited    bool       `json:"edited,omitempty"`
}

// NewOutgoing builds a message authored locally.
func NewOutgoing(dataKind, payload string) *Message {
	return &Message{
		ID:       uuid.NewString(),
		DataKind: dataKind,
		Payload:  payload,
		Sender:   SenderMe,
		SentAt:   time.Now().UnixMilli(),
		Status:   StatusSent,
	}
}

// NewIncoming builds a message received from the partner. A missing id
// gets a local one; such messages just cannot be correlated for receipts.
func NewIncoming(id, dataKind, payload string) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	if dataKind == "" {
		dataKind = "text"
	}
	return &Message{
		ID:       id,
		DataKind: dataKind,
		Payload:  payload,
		Sender:   SenderStranger,
		SentAt:   time.Now().UnixMilli(),
		Status:   StatusSent,
	}
}

// NewNotice builds a synthetic system entry (connect/disconnect notices).
func NewNotice(text string) *Message {
	return &Message{
		ID:       uuid.NewString(),
		DataKind: "text",
		Payload:  text,
		Sender:   SenderSystem,
		SentAt:   time.Now().UnixMilli(),
		Status:   StatusSent,
	}
}
