package store

import (
	"time"

	"emberchat/internal/model"
)

// Visible returns the canonical table minus echo bubbles. Suppression is
// computed at read time; nothing in the table is mutated or deleted.
func (s *Store) Visible(roomID string) []*model.Message {
	rows := s.Canonical(roomID)
	out := make([]*model.Message, 0, len(rows))
	for i, row := range rows {
		if i > 0 && isEcho(rows[i-1], row, s.cfg.DuplicateWindow) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// isEcho reports whether cur is a redundant caption echo of prev: some
// send paths emit a media row and a text row with the same caption as two
// log entries that should render as one bubble.
func isEcho(prev, cur *model.Message, window time.Duration) bool {
	if cur.Type != model.TypeText || cur.HasMediaRef() {
		return false
	}
	if prev.SenderID != cur.SenderID {
		return false
	}
	if !prev.IsMedia() && !prev.HasMediaRef() {
		return false
	}
	if prev.Content != cur.Content {
		return false
	}
	gap := cur.CreatedAt - prev.CreatedAt
	if gap < 0 {
		gap = -gap
	}
	return gap <= window.Milliseconds()
}
