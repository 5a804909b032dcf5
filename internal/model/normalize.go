package model

import (
	"encoding/json"
	"time"
)

// TimestampKind discriminates the wire representations the remote store is
// known to emit for created_at.
type TimestampKind int

const (
	// TSUnknown covers absent or unrecognized values; normalization falls
	// back to the batch arrival time.
	TSUnknown TimestampKind = iota
	// TSTime is a server-native timestamp serialized as RFC 3339.
	TSTime
	// TSSecondsNanos is a {seconds, nanoseconds} pair.
	TSSecondsNanos
	// TSEpochMillis is a raw number of epoch milliseconds.
	TSEpochMillis
)

// Timestamp is a tagged union over the remote timestamp shapes. Decoding
// never fails: a shape we cannot recognize yields TSUnknown rather than an
// error, so one malformed row cannot abort a batch.
type Timestamp struct {
	Kind    TimestampKind
	Time    time.Time
	Seconds int64
	Nanos   int64
	Millis  int64
}

type secondsNanos struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int64 `json:"nanoseconds"`
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	*t = Timestamp{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil
		}
		t.Kind = TSTime
		t.Time = parsed
	case '{':
		var sn secondsNanos
		if err := json.Unmarshal(b, &sn); err != nil || (sn.Seconds == 0 && sn.Nanoseconds == 0) {
			return nil
		}
		t.Kind = TSSecondsNanos
		t.Seconds = sn.Seconds
		t.Nanos = sn.Nanoseconds
	default:
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil || ms <= 0 {
			return nil
		}
		t.Kind = TSEpochMillis
		t.Millis = ms
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.EpochMillis(time.Time{}))
}

// EpochMillis collapses the union to epoch milliseconds. TSUnknown maps to
// the fallback time.
func (t Timestamp) EpochMillis(fallback time.Time) int64 {
	switch t.Kind {
	case TSTime:
		return t.Time.UnixMilli()
	case TSSecondsNanos:
		return t.Seconds*1000 + t.Nanos/int64(time.Millisecond)
	case TSEpochMillis:
		return t.Millis
	default:
		return fallback.UnixMilli()
	}
}

// RawRecord is one row of a room's ordered log as the remote store emits
// it. Older rows use user_id instead of sender_id; both are accepted.
type RawRecord struct {
	ID              string            `json:"id"`
	SenderID        string            `json:"sender_id,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Content         string            `json:"content"`
	Type            string            `json:"type,omitempty"`
	ImageURL        string            `json:"image_url,omitempty"`
	AlbumURLs       []string          `json:"album_urls,omitempty"`
	ReplyToID       string            `json:"reply_to_id,omitempty"`
	CreatedAt       Timestamp         `json:"created_at,omitempty"`
	ReactionsByUser map[string]string `json:"reactions_by_user,omitempty"`
	ReactionsCount  map[string]int    `json:"reactions_count,omitempty"`
	ReadBy          []string          `json:"read_by,omitempty"`
}

// Normalize coerces a raw remote record into the canonical message shape.
// Pure: the fallback time is passed in, never read from a clock here.
func Normalize(roomID string, rec RawRecord, fallback time.Time) Message {
	sender := rec.SenderID
	if sender == "" {
		sender = rec.UserID
	}
	typ := MessageType(rec.Type)
	switch typ {
	case TypeText, TypeImage, TypeAlbum, TypeVideo, TypeFile:
	default:
		typ = TypeText
	}
	m := Message{
		ID:              rec.ID,
		RoomID:          roomID,
		SenderID:        sender,
		Content:         rec.Content,
		Type:            typ,
		MediaURL:        rec.ImageURL,
		AlbumURLs:       rec.AlbumURLs,
		ReplyToID:       rec.ReplyToID,
		CreatedAt:       rec.CreatedAt.EpochMillis(fallback),
		ReactionsByUser: rec.ReactionsByUser,
		ReactionsCount:  rec.ReactionsCount,
	}
	if len(rec.ReadBy) > 0 {
		m.ReadBy = make(map[string]bool, len(rec.ReadBy))
		for _, id := range rec.ReadBy {
			m.ReadBy[id] = true
		}
	}
	if m.ReactionsCount == nil && len(m.ReactionsByUser) > 0 {
		m.RecountReactions()
	}
	return m
}

// NormalizeBatch normalizes every well-formed row of a batch. Rows without
// an id or sender are dropped individually; the rest of the batch is kept.
func NormalizeBatch(roomID string, recs []RawRecord, fallback time.Time) []Message {
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" || (rec.SenderID == "" && rec.UserID == "") {
			continue
		}
		out = append(out, Normalize(roomID, rec, fallback))
	}
	return out
}
