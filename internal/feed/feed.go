// Package feed maintains the bounded town-square message window with
// hybrid-delivery deduplication: the same logical send may arrive once
// from the durable log and once from the live broadcast.
package feed

import (
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
)

const (
	// DefaultCapacity bounds the in-memory window.
	DefaultCapacity = 100

	// DefaultDedupWindow is how close two timestamps must be for the
	// (text, sender) fallback rule to consider them the same send.
	DefaultDedupWindow = time.Second
)

// Entry is one feed item. Sender classification is computed at read time
// from the current local identity, since the identity can be assigned after
// history was already loaded.
type Entry struct {
	proto.TownMsg
	Sender string `json:"sender"` // me|stranger
}

// Feed is the deduplicated town-square window.
type Feed struct {
	localID func() string
	window  time.Duration
	cap     int

	mu        sync.Mutex
	msgs      []proto.TownMsg
	listeners []chan Entry
}

// New creates a feed. localID may return "" until the transport assigns
// an identity.
func New(localID func() string, capacity int, dedupWindow time.Duration) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Feed{localID: localID, window: dedupWindow, cap: capacity}
}

// Add appends a message unless it duplicates an existing entry: same id,
// or same (text, sender) within the dedup window. Reports whether the
// message was appended.
func (f *Feed) Add(msg proto.TownMsg) bool {
	f.mu.Lock()
	for _, have := range f.msgs {
		if have.ID == msg.ID {
			f.mu.Unlock()
			return false
		}
		if have.From == msg.From && have.Text == msg.Text && near(have.TS, msg.TS, f.window) {
			f.mu.Unlock()
			return false
		}
	}
	f.msgs = append(f.msgs, msg)
	if len(f.msgs) > f.cap {
		f.msgs = f.msgs[len(f.msgs)-f.cap:]
	}
	entry := f.classify(msg)
	f.notify(entry)
	f.mu.Unlock()
	return true
}

// LoadHistory merges a durable-log read into the window, oldest first.
// Rows already delivered live are dropped by the same dedup rule.
func (f *Feed) LoadHistory(msgs []proto.TownMsg) int {
	added := 0
	for _, m := range msgs {
		if f.Add(m) {
			added++
		}
	}
	return added
}

// Snapshot returns classified entries, oldest first.
func (f *Feed) Snapshot() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = f.classify(m)
	}
	return out
}

// Len returns the number of entries in the window.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// Subscribe returns a channel receiving newly appended entries.
func (f *Feed) Subscribe() chan Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Entry, 16)
	f.listeners = append(f.listeners, ch)
	return ch
}

func (f *Feed) Unsubscribe(ch chan Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, listener := range f.listeners {
		if listener == ch {
			close(listener)
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *Feed) classify(m proto.TownMsg) Entry {
	sender := "stranger"
	if id := f.localID(); id != "" && id == m.From {
		sender = "me"
	}
	return Entry{TownMsg: m, Sender: sender}
}

func (f *Feed) notify(e Entry) {
	for _, ch := range f.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func near(a, b int64, window time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return time.Duration(d)*time.Millisecond <= window
}
