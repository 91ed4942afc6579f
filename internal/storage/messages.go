package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
)

// OfflineMessage is one spooled direct message awaiting delivery. The spool
// is append-only; delivery bookkeeping is the reader's responsibility (the
// poller keeps a high-water mark in _meta).
type OfflineMessage struct {
	RowID     int64
	MsgID     string
	Recipient string
	Sender    string
	Envelope  proto.Envelope
	CreatedAt time.Time
}

// InsertOfflineMessage spools an envelope for a recipient with no live
// direct connection. Returns the rowid for high-water tracking.
func (d *DB) InsertOfflineMessage(recipient, sender string, env proto.Envelope) (int64, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO offline_messages (msg_id, recipient, sender, envelope)
		VALUES (?, ?, ?, ?)`,
		env.ID, recipient, sender, string(raw),
	)
	if err != nil {
		return 0, fmt.Errorf("insert offline message: %w", err)
	}
	return res.LastInsertId()
}

// FetchUndelivered returns every spooled message for the recipient with
// rowid above after, oldest first. The store never dequeues; callers
// advance their own mark.
func (d *DB) FetchUndelivered(recipient string, after int64) ([]OfflineMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT rowid, msg_id, recipient, sender, envelope, created_at
		FROM offline_messages
		WHERE recipient = ? AND rowid > ?
		ORDER BY rowid`, recipient, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OfflineMessage
	for rows.Next() {
		var m OfflineMessage
		var raw, created string
		if err := rows.Scan(&m.RowID, &m.MsgID, &m.Recipient, &m.Sender, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &m.Envelope); err != nil {
			continue // corrupt row, skip rather than fail the poll
		}
		m.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertBroadcastMessage appends to the durable town-square log. Duplicate
// ids are ignored; the live pubsub path may already have written the row.
func (d *DB) InsertBroadcastMessage(msg proto.TownMsg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO broadcast_log (id, from_peer, name, text, ts)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.Name, msg.Text, msg.TS,
	)
	return err
}

// FetchBroadcastHistory returns the most recent town-square messages,
// oldest first, capped at limit.
func (d *DB) FetchBroadcastHistory(limit int) ([]proto.TownMsg, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, from_peer, name, text, ts FROM (
			SELECT id, from_peer, name, text, ts
			FROM broadcast_log ORDER BY ts DESC LIMIT ?
		) ORDER BY ts`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.TownMsg
	for rows.Next() {
		var m proto.TownMsg
		if err := rows.Scan(&m.ID, &m.From, &m.Name, &m.Text, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
