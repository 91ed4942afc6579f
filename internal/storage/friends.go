package storage

import "time"

// Friend is a durable social link. Key is the stable user id when the
// remote profile carries one, else the transport peer id; transport ids
// change across sessions, stable ids do not.
type Friend struct {
	Key     string
	UserID  string
	PeerID  string
	Name    string
	Avatar  string
	AddedAt time.Time
}

// UpsertFriend stores or replaces a friend row. Idempotent on Key, so a
// duplicate friend_accept cannot create a second entry.
func (d *DB) UpsertFriend(f Friend) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO friends (key, user_id, peer_id, name, avatar)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			user_id = excluded.user_id,
			peer_id = excluded.peer_id,
			name    = excluded.name,
			avatar  = excluded.avatar`,
		f.Key, f.UserID, f.PeerID, f.Name, f.Avatar,
	)
	return err
}

// HasFriend reports whether a friend with the given key exists.
func (d *DB) HasFriend(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var one int
	err := d.db.QueryRow(`SELECT 1 FROM friends WHERE key = ?`, key).Scan(&one)
	return err == nil
}

// ListFriends returns all friends, newest first.
func (d *DB) ListFriends() ([]Friend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT key, user_id, peer_id, name, avatar, added_at
		FROM friends ORDER BY added_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		var added string
		if err := rows.Scan(&f.Key, &f.UserID, &f.PeerID, &f.Name, &f.Avatar, &added); err != nil {
			return nil, err
		}
		f.AddedAt, _ = time.Parse("2006-01-02 15:04:05", added)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFriend removes a friend row. Missing keys are a no-op.
func (d *DB) DeleteFriend(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM friends WHERE key = ?`, key)
	return err
}

// UpdateFriendPeerID refreshes the transport identity for a friend keyed
// by stable user id (transport ids rotate between sessions).
func (d *DB) UpdateFriendPeerID(key, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE friends SET peer_id = ? WHERE key = ?`, peerID, key)
	return err
}
