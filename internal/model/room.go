package model

import (
	"errors"
	"time"
)

// RoomType tags a room's behavior class.
type RoomType string

const (
	RoomGroup  RoomType = "group"
	RoomDM     RoomType = "dm"
	RoomNotice RoomType = "notice"
	RoomTTL    RoomType = "ttl"
)

// DefaultMessageTTL applies to TTL rooms that carry no explicit override.
const DefaultMessageTTL = 3 * time.Minute

// MaxExpiryHorizon caps how far into the future an extension may push a
// room's expiry.
const MaxExpiryHorizon = 30 * 24 * time.Hour

var (
	// ErrExtensionRejected is returned for non-positive or over-cap
	// extension requests. No state changes on rejection.
	ErrExtensionRejected = errors.New("room expiry extension rejected")
	// ErrEditLengthens is returned when a plain expiry edit would move the
	// expiry later; only extensions may lengthen.
	ErrEditLengthens = errors.New("expiry edit may only shorten")
)

// Room is the client-side view of a room record.
type Room struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Type      RoomType        `json:"type"`
	IsPublic  bool            `json:"is_public"`
	CreatedBy string          `json:"created_by"`
	Members   map[string]bool `json:"members,omitempty"`

	// ExpiresAt is the absolute room-level expiry in epoch milliseconds,
	// 0 when the room never expires. TTL rooms only.
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// MessageTTLMs overrides the per-message TTL, 0 means default.
	MessageTTLMs int64 `json:"message_ttl_ms,omitempty"`
}

// MessageTTL returns the effective per-message TTL: the explicit override
// when set, the default for TTL rooms, zero (no eviction) otherwise.
func (r *Room) MessageTTL() time.Duration {
	if r.MessageTTLMs > 0 {
		return time.Duration(r.MessageTTLMs) * time.Millisecond
	}
	if r.Type == RoomTTL {
		return DefaultMessageTTL
	}
	return 0
}

// ExtendExpiry lengthens the room expiry by d: new expiry is
// max(now, current) + d, rejected when d <= 0 or when the result would
// exceed now + MaxExpiryHorizon. Returns the new expiry on success.
func (r *Room) ExtendExpiry(now time.Time, d time.Duration) (int64, error) {
	if d <= 0 {
		return 0, ErrExtensionRejected
	}
	base := now.UnixMilli()
	if r.ExpiresAt > base {
		base = r.ExpiresAt
	}
	next := base + d.Milliseconds()
	if next > now.UnixMilli()+MaxExpiryHorizon.Milliseconds() {
		return 0, ErrExtensionRejected
	}
	r.ExpiresAt = next
	return next, nil
}

// EditExpiry sets the expiry to an absolute time. Edits may only shorten;
// any value later than the current expiry is rejected.
func (r *Room) EditExpiry(at int64) error {
	if r.ExpiresAt != 0 && at > r.ExpiresAt {
		return ErrEditLengthens
	}
	r.ExpiresAt = at
	return nil
}
