// Package offline implements store-and-forward delivery for direct sends:
// prefer the live direct connection, fall back to the durable spool, and
// poll the spool so each undelivered message surfaces exactly once.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/storage"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
)

// highwaterKey is the _meta key holding the last surfaced spool rowid. The
// store never dequeues, so without this mark every poll would re-surface
// the same rows; persisting it keeps exactly-once across restarts.
const highwaterKey = "offline_highwater"

// Store is the durable spool capability consumed here.
type Store interface {
	InsertOfflineMessage(recipient, sender string, env proto.Envelope) (int64, error)
	FetchUndelivered(recipient string, after int64) ([]storage.OfflineMessage, error)
	GetMeta(key string) (string, bool)
	SetMeta(key, value string) error
}

// Manager sends direct payloads with live-first fallback and polls the
// spool for messages addressed to us.
type Manager struct {
	store  Store
	selfID string

	// lookup resolves a live direct connection for a recipient.
	lookup func(recipient string) (transport.Conn, bool)

	// onReceive surfaces one spooled envelope as a direct receive event.
	onReceive func(from string, env proto.Envelope)

	interval time.Duration
}

func New(store Store, selfID string, lookup func(string) (transport.Conn, bool), onReceive func(string, proto.Envelope), interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		store:     store,
		selfID:    selfID,
		lookup:    lookup,
		onReceive: onReceive,
		interval:  interval,
	}
}

// SendDirect delivers env to recipient: over the live direct connection
// when one is open (fire-and-forget), else into the durable spool.
func (m *Manager) SendDirect(recipient string, env proto.Envelope) error {
	if conn, ok := m.lookup(recipient); ok {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if err := conn.Send(data); err == nil {
			return nil
		}
		// Live path died under us; fall through to the spool.
	}
	if _, err := m.store.InsertOfflineMessage(recipient, m.selfID, env); err != nil {
		return fmt.Errorf("spool message for %s: %w", recipient, err)
	}
	log.Printf("OFFLINE: spooled %s for %s", env.Kind, shortID(recipient))
	return nil
}

// Run polls the spool on a fixed interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Poll()
		}
	}
}

// Poll fetches undelivered rows above the high-water mark and surfaces
// each exactly once, then advances the mark.
func (m *Manager) Poll() {
	after := m.highwater()
	rows, err := m.store.FetchUndelivered(m.selfID, after)
	if err != nil {
		log.Printf("OFFLINE: poll failed: %v", err)
		return
	}
	for _, row := range rows {
		if m.onReceive != nil {
			m.onReceive(row.Sender, row.Envelope)
		}
		after = row.RowID
	}
	if len(rows) > 0 {
		if err := m.store.SetMeta(highwaterKey, strconv.FormatInt(after, 10)); err != nil {
			log.Printf("OFFLINE: persist high-water failed: %v", err)
		}
		log.Printf("OFFLINE: surfaced %d spooled messages", len(rows))
	}
}

func (m *Manager) highwater() int64 {
	v, ok := m.store.GetMeta(highwaterKey)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
