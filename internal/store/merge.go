package store

import (
	"emberchat/internal/model"
)

// MergeResult is what one reconciliation pass produced.
type MergeResult struct {
	// Rows is the new canonical table for the room. These are the store's
	// live row objects (identity is how callers observe merge stability);
	// treat them as read-only and do not hold them across store writes.
	Rows []*model.Message
	// Unread is the count of rows not yet acknowledged by the session user.
	Unread int
	// Changed reports whether the table differs from the previous one.
	// Re-applying an identical batch yields Changed == false and identical
	// row identities.
	Changed bool
}

// MergeBatch reconciles a full-snapshot remote batch with the room's
// current table and installs the result as the new canonical table.
//
// Remote rows are authoritative. A remote row that compares equal to the
// existing local row keeps the existing object, so consecutive identical
// batches converge to identical tables. Optimistic media rows the batch
// does not know about yet survive for the pending window; everything else
// local is superseded by the snapshot.
func (s *Store) MergeBatch(roomID string, remote []model.Message) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := s.room(roomID)
	now := s.Now()
	nowMillis := now.UnixMilli()

	remoteIDs := make(map[string]struct{}, len(remote))
	next := make([]*model.Message, 0, len(remote)+4)

	for i := range remote {
		r := remote[i]
		remoteIDs[r.ID] = struct{}{}

		old, known := rt.byID[r.ID]
		if known && r.IsMedia() && !r.HasMediaRef() && old.HasMediaRef() {
			// Upstream metadata can momentarily lag the row itself; keep
			// the last known media reference instead of blanking it.
			r.MediaURL = old.MediaURL
			r.AlbumURLs = old.AlbumURLs
		}
		if known && old.Equal(&r) {
			old.Local = false
			next = append(next, old)
			continue
		}
		row := r
		row.Local = false
		if known {
			row.InsertedAt = old.InsertedAt
		} else {
			row.InsertedAt = nowMillis
		}
		next = append(next, &row)
	}

	// Pending set: our own in-flight media rows the snapshot has not
	// confirmed yet. Text rows confirm within one snapshot; media uploads
	// do not, so only those are retained, and only inside the window.
	for _, old := range rt.rows {
		if !old.Local || old.SenderID != s.selfID {
			continue
		}
		if _, confirmed := remoteIDs[old.ID]; confirmed {
			continue
		}
		if !old.IsMedia() && !old.HasTransientMedia() {
			continue
		}
		if nowMillis-old.InsertedAt >= s.cfg.PendingWindow.Milliseconds() {
			continue
		}
		next = append(next, old)
	}

	sortRows(next)

	changed := len(next) != len(rt.rows)
	if !changed {
		for i := range next {
			if next[i] != rt.rows[i] {
				changed = true
				break
			}
		}
	}

	rt.rows = next
	rt.byID = make(map[string]*model.Message, len(next))
	for _, row := range next {
		rt.byID[row.ID] = row
	}
	s.evictExpiredLocked(rt)

	unread := 0
	for _, row := range rt.rows {
		if !row.ReadBy[s.selfID] {
			unread++
		}
	}

	rows := make([]*model.Message, len(rt.rows))
	copy(rows, rt.rows)
	return MergeResult{Rows: rows, Unread: unread, Changed: changed}
}
