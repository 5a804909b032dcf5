package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"emberchat/internal/model"
)

// SQLRemote reads the room log straight from a Postgres-backed store.
// There is no push channel over plain SQL, so Subscribe reports
// ErrPushUnsupported and the adapter runs poll-only.
type SQLRemote struct {
	db *sql.DB
}

// NewSQLRemote opens and pings the database.
func NewSQLRemote(databaseURL string) (*SQLRemote, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLRemote{db: db}, nil
}

// Close releases the connection pool.
func (r *SQLRemote) Close() error { return r.db.Close() }

func (r *SQLRemote) Subscribe(ctx context.Context, roomID string, onBatch func([]model.RawRecord), onErr func(error)) (func(), error) {
	return nil, ErrPushUnsupported
}

// PollOnce reads the trailing snapshot window of the room's log: the
// newest rows, re-sorted ascending for the merger.
func (r *SQLRemote) PollOnce(ctx context.Context, roomID string) ([]model.RawRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sender_id, content, type, image_url, album_urls, reply_to_id, created_at, reactions, read_by
		FROM (
			SELECT id, sender_id, content, type,
			       COALESCE(image_url, '') AS image_url, album_urls,
			       COALESCE(reply_to_id, '') AS reply_to_id,
			       created_at, COALESCE(reactions::text, '') AS reactions, read_by
			FROM messages
			WHERE room_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) trailing
		ORDER BY created_at ASC
	`, roomID, snapshotWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var recs []model.RawRecord
	for rows.Next() {
		var (
			rec       model.RawRecord
			createdAt time.Time
			reactions string
		)
		if err := rows.Scan(&rec.ID, &rec.SenderID, &rec.Content, &rec.Type,
			&rec.ImageURL, pq.Array(&rec.AlbumURLs), &rec.ReplyToID,
			&createdAt, &reactions, pq.Array(&rec.ReadBy)); err != nil {
			return nil, err
		}
		rec.CreatedAt = model.Timestamp{Kind: model.TSTime, Time: createdAt}
		if reactions != "" {
			// A row with an undecodable reactions blob still carries its
			// text; keep it and drop only the reactions.
			_ = json.Unmarshal([]byte(reactions), &rec.ReactionsByUser)
		}
		recs = append(recs, rec)
	}
	if recs == nil {
		recs = []model.RawRecord{}
	}
	return recs, rows.Err()
}

func (r *SQLRemote) SendMessage(ctx context.Context, roomID string, rec model.RawRecord) error {
	var reactions interface{}
	if len(rec.ReactionsByUser) > 0 {
		data, err := json.Marshal(rec.ReactionsByUser)
		if err != nil {
			return err
		}
		reactions = string(data)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, type, image_url, album_urls, reply_to_id, created_at, reactions, read_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, roomID, rec.SenderID, rec.Content, rec.Type, rec.ImageURL,
		pq.Array(rec.AlbumURLs), rec.ReplyToID,
		time.UnixMilli(rec.CreatedAt.EpochMillis(time.Now())), reactions, pq.Array(rec.ReadBy))
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *SQLRemote) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = $1 AND id = $2`, roomID, messageID)
	return err
}

// UpdateReaction does a read-modify-write of the row's reactions column.
func (r *SQLRemote) UpdateReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	var blob sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT reactions::text FROM messages WHERE room_id = $1 AND id = $2`,
		roomID, messageID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get message reactions: %w", err)
	}
	reactions := map[string]string{}
	if blob.Valid && blob.String != "" {
		_ = json.Unmarshal([]byte(blob.String), &reactions)
	}
	if emoji == "" {
		delete(reactions, userID)
	} else {
		reactions[userID] = emoji
	}
	data, err := json.Marshal(reactions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET reactions = $3 WHERE room_id = $1 AND id = $2`,
		roomID, messageID, string(data))
	return err
}

func (r *SQLRemote) WriteReadMarker(ctx context.Context, roomID, userID string, lastReadAt int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at
	`, roomID, userID, time.UnixMilli(lastReadAt))
	return err
}

// RepairMembership upserts the membership row; repeated calls are no-ops.
func (r *SQLRemote) RepairMembership(ctx context.Context, roomID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roomID, userID)
	return err
}

func (r *SQLRemote) Room(ctx context.Context, roomID string) (model.Room, error) {
	var (
		room      model.Room
		expiresAt sql.NullTime
		ttlMillis sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, type, is_public, COALESCE(created_by::text, ''), expires_at, message_ttl_ms
		FROM rooms WHERE id = $1
	`, roomID).Scan(&room.ID, &room.Title, &room.Type, &room.IsPublic, &room.CreatedBy, &expiresAt, &ttlMillis)
	if err != nil {
		if err == sql.ErrNoRows {
			return room, ErrNotFound
		}
		return room, fmt.Errorf("failed to get room: %w", err)
	}
	if expiresAt.Valid {
		room.ExpiresAt = expiresAt.Time.UnixMilli()
	}
	if ttlMillis.Valid {
		room.MessageTTLMs = ttlMillis.Int64
	}
	return room, nil
}

func (r *SQLRemote) UpdateRoom(ctx context.Context, room model.Room) error {
	var expiresAt interface{}
	if room.ExpiresAt > 0 {
		expiresAt = time.UnixMilli(room.ExpiresAt)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE rooms SET title = $2, expires_at = $3, message_ttl_ms = NULLIF($4, 0)
		WHERE id = $1
	`, room.ID, room.Title, expiresAt, room.MessageTTLMs)
	if err != nil {
		return fmt.Errorf("failed to update room: %w", err)
	}
	return nil
}
