package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// MessageType tags the payload carried by a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAlbum MessageType = "album"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// SenderMe is the placeholder sender id resolved to the session identity
// when an outgoing message is appended locally.
const SenderMe = "me"

// Message is the canonical message shape shared by the optimistic store,
// the reconciliation merger and the view layer. CreatedAt is always epoch
// milliseconds; remote timestamp variants are coerced by Normalize.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	MediaURL  string      `json:"media_url,omitempty"`
	AlbumURLs []string    `json:"album_urls,omitempty"`
	ReplyToID string      `json:"reply_to_id,omitempty"`
	CreatedAt int64       `json:"created_at"`

	ReactionsByUser map[string]string `json:"reactions_by_user,omitempty"`
	ReactionsCount  map[string]int    `json:"reactions_count,omitempty"`
	ReadBy          map[string]bool   `json:"read_by,omitempty"`

	// Local marks an optimistic row that has no remote counterpart yet.
	// InsertedAt is the local insertion time used to age such rows out of
	// the pending window. Neither field crosses the wire.
	Local      bool  `json:"-"`
	InsertedAt int64 `json:"-"`
}

// IsMedia reports whether the message type carries media.
func (m *Message) IsMedia() bool {
	switch m.Type {
	case TypeImage, TypeAlbum, TypeVideo, TypeFile:
		return true
	}
	return false
}

// HasMediaRef reports whether any media URI is present.
func (m *Message) HasMediaRef() bool {
	return m.MediaURL != "" || len(m.AlbumURLs) > 0
}

// HasTransientMedia reports whether any media URI still points at a local
// blob that has not been replaced by a durable upload URL.
func (m *Message) HasTransientMedia() bool {
	if isTransientRef(m.MediaURL) {
		return true
	}
	for _, u := range m.AlbumURLs {
		if isTransientRef(u) {
			return true
		}
	}
	return false
}

func isTransientRef(u string) bool {
	return strings.HasPrefix(u, "local://") || strings.HasPrefix(u, "blob:") || strings.HasPrefix(u, "file://")
}

// ExpiresAt returns the implicit expiry for a message under the given TTL,
// or 0 when the room carries no TTL.
func (m *Message) ExpiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return m.CreatedAt + ttl.Milliseconds()
}

// Expired reports whether the message has aged out under the given TTL.
func (m *Message) Expired(ttl time.Duration, now time.Time) bool {
	exp := m.ExpiresAt(ttl)
	return exp != 0 && now.UnixMilli() >= exp
}

// Equal compares every wire field. Local bookkeeping (Local, InsertedAt)
// is deliberately excluded so a confirmed copy of an optimistic row still
// compares equal to the remote row.
func (m *Message) Equal(o *Message) bool {
	if m == o {
		return true
	}
	if m == nil || o == nil {
		return false
	}
	return m.ID == o.ID &&
		m.RoomID == o.RoomID &&
		m.SenderID == o.SenderID &&
		m.Content == o.Content &&
		m.Type == o.Type &&
		m.MediaURL == o.MediaURL &&
		slices.Equal(m.AlbumURLs, o.AlbumURLs) &&
		m.ReplyToID == o.ReplyToID &&
		m.CreatedAt == o.CreatedAt &&
		maps.Equal(m.ReactionsByUser, o.ReactionsByUser) &&
		maps.Equal(m.ReactionsCount, o.ReactionsCount) &&
		maps.Equal(m.ReadBy, o.ReadBy)
}

// Clone returns a deep copy detached from the original's maps and slices.
func (m *Message) Clone() *Message {
	c := *m
	c.AlbumURLs = slices.Clone(m.AlbumURLs)
	c.ReactionsByUser = maps.Clone(m.ReactionsByUser)
	c.ReactionsCount = maps.Clone(m.ReactionsCount)
	c.ReadBy = maps.Clone(m.ReadBy)
	return &c
}

// RecountReactions rebuilds the emoji -> count mapping from the per-user
// reactions. Used when a remote row arrives without the derived field.
func (m *Message) RecountReactions() {
	if len(m.ReactionsByUser) == 0 {
		m.ReactionsCount = nil
		return
	}
	counts := make(map[string]int, len(m.ReactionsByUser))
	for _, emoji := range m.ReactionsByUser {
		counts[emoji]++
	}
	m.ReactionsCount = counts
}
