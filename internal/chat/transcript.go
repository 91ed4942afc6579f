package chat

import (
	"sync"

	"github.com/anuraghashagile/stangersin--town/internal/util"
)

// DefaultWindow bounds the in-memory transcript.
const DefaultWindow = 100

// Transcript is the bounded main-session message window. Entries are never
// deleted, only overwritten from the front when the window overflows. The
// outer mutex serializes message mutation against snapshot copies; the
// ring buffer only guards its own structure.
type Transcript struct {
	mu        sync.Mutex
	msgs      *util.RingBuffer[*Message]
	listeners []chan *Message
}

func NewTranscript(window int) *Transcript {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Transcript{msgs: util.NewRingBuffer[*Message](window)}
}

// Append adds a message and notifies listeners.
func (t *Transcript) Append(m *Message) {
	t.mu.Lock()
	t.msgs.Push(m)
	t.notify(m)
	t.mu.Unlock()
}

// AddReaction appends a reaction to the matching message. Unknown ids are
// ignored (the message may have fallen out of the window).
func (t *Transcript) AddReaction(messageID, emoji string, sender Sender) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.find(messageID)
	if !ok {
		return false
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, Sender: sender})
	return true
}

// Edit replaces the payload of the matching message and marks it edited.
func (t *Transcript) Edit(messageID, payload string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.find(messageID)
	if !ok {
		return false
	}
	m.Payload = payload
	m.Edited = true
	return true
}

// MarkSeen sets the delivery status of the matching message.
func (t *Transcript) MarkSeen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.find(messageID)
	if !ok {
		return false
	}
	m.Status = StatusSeen
	return true
}

// Get returns a copy of the matching message.
func (t *Transcript) Get(messageID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.find(messageID)
	if !ok {
		return Message{}, false
	}
	return copyMessage(m), true
}

// Snapshot returns value copies of the window, oldest first.
func (t *Transcript) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ptrs := t.msgs.Snapshot()
	out := make([]Message, len(ptrs))
	for i, m := range ptrs {
		out[i] = copyMessage(m)
	}
	return out
}

// Clear drops the window (new session, fresh transcript).
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.msgs.Clear()
	t.mu.Unlock()
}

// Len returns the number of entries in the window.
func (t *Transcript) Len() int {
	return t.msgs.Len()
}

// Subscribe returns a channel receiving appended messages.
func (t *Transcript) Subscribe() chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan *Message, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Transcript) Unsubscribe(ch chan *Message) {
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

func (t *Transcript) find(id string) (*Message, bool) {
	return t.msgs.Find(func(m *Message) bool { return m.ID == id })
}

func (t *Transcript) notify(m *Message) {
	for _, ch := range t.listeners {
		select {
		case ch <- m:
		default:
		}
	}
}

func copyMessage(m *Message) Message {
	cp := *m
	if len(m.Reactions) > 0 {
		cp.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return cp
}
