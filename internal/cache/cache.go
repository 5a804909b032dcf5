package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"emberchat/internal/model"
)

// Cache is the local durable history store: canonical-table snapshots
// survive restarts so a room renders instantly before the first batch
// lands. It is read-through on open and write-behind on merge; the remote
// log stays authoritative.
type Cache struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	room_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (room_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

// Open creates or opens the cache file and ensures the schema.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error { return c.db.Close() }

// SaveSnapshot replaces the room's cached rows with the given canonical
// table in one transaction.
func (c *Cache) SaveSnapshot(roomID string, msgs []*model.Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to clear cached room: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO messages (room_id, id, created_at, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(roomID, m.ID, m.CreatedAt, string(payload)); err != nil {
			return fmt.Errorf("failed to cache message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadRoom returns the cached rows still alive under the room's TTL,
// ordered by creation time, and prunes the expired ones.
func (c *Cache) LoadRoom(roomID string, ttl time.Duration, now time.Time) ([]model.Message, error) {
	var cutoff int64
	if ttl > 0 {
		cutoff = now.UnixMilli() - ttl.Milliseconds()
		if _, err := c.db.Exec(
			`DELETE FROM messages WHERE room_id = ? AND created_at <= ?`, roomID, cutoff); err != nil {
			return nil, fmt.Errorf("failed to prune cached room: %w", err)
		}
	}

	rows, err := c.db.Query(
		`SELECT payload FROM messages WHERE room_id = ? AND created_at > ? ORDER BY created_at ASC`,
		roomID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached room: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DropRoom removes a room's cached rows, used on room expiry or local
// reset.
func (c *Cache) DropRoom(roomID string) error {
	_, err := c.db.Exec(`DELETE FROM messages WHERE room_id = ?`, roomID)
	return err
}
