package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"emberchat/internal/model"
)

// Config carries the tunable windows. The defaults mirror the production
// values but both are deliberately parameters, not invariants.
type Config struct {
	// PendingWindow bounds how long an unconfirmed optimistic row survives
	// without a remote counterpart.
	PendingWindow time.Duration
	// DuplicateWindow bounds how far apart a media row and its echoed
	// caption may be and still collapse to one visible bubble.
	DuplicateWindow time.Duration
}

// DefaultConfig returns the production windows.
func DefaultConfig() Config {
	return Config{
		PendingWindow:   2 * time.Minute,
		DuplicateWindow: 15 * time.Second,
	}
}

// Store owns the per-room canonical message tables for one session. It is
// the single writer: every external effect (send, react, delete, merge)
// goes through its typed operations, readers only observe. There is no
// ambient global instance; callers hold a handle.
type Store struct {
	mu     sync.Mutex
	selfID string
	cfg    Config
	rooms  map[string]*roomTable

	// Now is the clock used for insertion stamps and TTL checks. Tests
	// substitute a fake.
	Now func() time.Time
}

type roomTable struct {
	rows []*model.Message
	byID map[string]*model.Message
	ttl  time.Duration
}

// New creates an empty store bound to the session identity.
func New(selfID string, cfg Config) *Store {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = DefaultConfig().PendingWindow
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultConfig().DuplicateWindow
	}
	return &Store{
		selfID: selfID,
		cfg:    cfg,
		rooms:  make(map[string]*roomTable),
		Now:    time.Now,
	}
}

// SelfID returns the session identity the store resolves "me" against.
func (s *Store) SelfID() string { return s.selfID }

func (s *Store) room(roomID string) *roomTable {
	rt, ok := s.rooms[roomID]
	if !ok {
		rt = &roomTable{byID: make(map[string]*model.Message)}
		s.rooms[roomID] = rt
	}
	return rt
}

// SetTTL binds the per-message TTL used to age this room's rows out of
// the canonical table. Zero disables eviction.
func (s *Store) SetTTL(roomID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).ttl = ttl
}

// Append inserts an optimistic row immediately, before any network round
// trip. A missing id gets a client-generated temporary one, a missing
// timestamp gets now, and the "me" placeholder resolves to the session
// identity. The author's own row starts out read by its author.
func (s *Store) Append(roomID string, m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if m.ID == "" {
		m.ID = "local-" + uuid.NewString()
	}
	if m.SenderID == "" || m.SenderID == model.SenderMe {
		m.SenderID = s.selfID
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now.UnixMilli()
	}
	m.RoomID = roomID
	m.Local = true
	m.InsertedAt = now.UnixMilli()
	if m.SenderID == s.selfID {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]bool, 1)
		}
		m.ReadBy[s.selfID] = true
	}

	rt := s.room(roomID)
	row := &m
	if old, ok := rt.byID[m.ID]; ok {
		*old = m
		return m
	}
	rt.rows = append(rt.rows, row)
	rt.byID[m.ID] = row
	sortRows(rt.rows)
	return m
}

// Mutate applies a patch to one row. Reports whether the row existed.
func (s *Store) Mutate(roomID, id string, patch func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.room(roomID).byID[id]
	if !ok {
		return false
	}
	patch(row)
	return true
}

// ToggleReaction applies a reaction delta locally: setting the same emoji
// twice clears it, a different emoji replaces the previous one (latest
// reaction wins per user).
func (s *Store) ToggleReaction(roomID, messageID, userID, emoji string) bool {
	return s.Mutate(roomID, messageID, func(m *model.Message) {
		if m.ReactionsByUser == nil {
			m.ReactionsByUser = make(map[string]string, 1)
		}
		if m.ReactionsByUser[userID] == emoji {
			delete(m.ReactionsByUser, userID)
		} else {
			m.ReactionsByUser[userID] = emoji
		}
		m.RecountReactions()
	})
}

// Get returns a detached copy of one row.
func (s *Store) Get(roomID, id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.room(roomID).byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *row.Clone(), true
}

// Remove deletes a row from the local view only; other members are not
// affected. Reports whether the row existed.
func (s *Store) Remove(roomID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.room(roomID)
	row, ok := rt.byID[id]
	if !ok {
		return false
	}
	delete(rt.byID, id)
	for i, r := range rt.rows {
		if r == row {
			rt.rows = append(rt.rows[:i], rt.rows[i+1:]...)
			break
		}
	}
	return true
}

// Reset clears a room's table entirely (local bulk clear).
func (s *Store) Reset(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// Canonical returns the room's canonical table: every live row, sorted by
// CreatedAt, with TTL-expired rows evicted. Eviction here is physical and
// deterministic: once a row has aged out it can never flicker back. The
// returned rows are detached copies, safe to read from any goroutine and
// insulated from later store writes; mutations go through the store's
// operations.
func (s *Store) Canonical(roomID string) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.room(roomID)
	s.evictExpiredLocked(rt)
	out := make([]*model.Message, len(rt.rows))
	for i, row := range rt.rows {
		out[i] = row.Clone()
	}
	return out
}

func (s *Store) evictExpiredLocked(rt *roomTable) {
	if rt.ttl <= 0 {
		return
	}
	now := s.Now()
	kept := rt.rows[:0]
	for _, row := range rt.rows {
		if row.Expired(rt.ttl, now) {
			delete(rt.byID, row.ID)
			continue
		}
		kept = append(kept, row)
	}
	rt.rows = kept
}

// NextExpiry returns the earliest pending message expiry in the room, or
// the zero time when nothing is scheduled to expire.
func (s *Store) NextExpiry(roomID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.room(roomID)
	if rt.ttl <= 0 {
		return time.Time{}
	}
	var earliest int64
	for _, row := range rt.rows {
		exp := row.ExpiresAt(rt.ttl)
		if exp != 0 && (earliest == 0 || exp < earliest) {
			earliest = exp
		}
	}
	if earliest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(earliest)
}

// Unread counts canonical rows not yet acknowledged by the session user.
func (s *Store) Unread(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.room(roomID)
	s.evictExpiredLocked(rt)
	count := 0
	for _, row := range rt.rows {
		if !row.ReadBy[s.selfID] {
			count++
		}
	}
	return count
}

// MarkRead acknowledges every canonical row for the session user and
// returns how many rows were newly marked. Idempotent: a second call
// returns zero.
func (s *Store) MarkRead(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.room(roomID)
	s.evictExpiredLocked(rt)
	marked := 0
	for _, row := range rt.rows {
		if row.ReadBy[s.selfID] {
			continue
		}
		if row.ReadBy == nil {
			row.ReadBy = make(map[string]bool, 1)
		}
		row.ReadBy[s.selfID] = true
		marked++
	}
	return marked
}

// sortRows orders by CreatedAt ascending; the stable sort preserves
// arrival order for equal timestamps.
func sortRows(rows []*model.Message) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt < rows[j].CreatedAt
	})
}
