package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestampShapes(t *testing.T) {
	fallback := time.UnixMilli(500_000)

	cases := []struct {
		name string
		raw  string
		want int64
	}{
		{"epoch millis", `{"id":"a","sender_id":"u1","content":"x","created_at":1700000000123}`, 1700000000123},
		{"seconds nanos", `{"id":"a","sender_id":"u1","content":"x","created_at":{"seconds":1700000000,"nanoseconds":123000000}}`, 1700000000123},
		{"rfc3339", `{"id":"a","sender_id":"u1","content":"x","created_at":"2023-11-14T22:13:20.123Z"}`, 1700000000123},
		{"missing", `{"id":"a","sender_id":"u1","content":"x"}`, 500_000},
		{"null", `{"id":"a","sender_id":"u1","content":"x","created_at":null}`, 500_000},
		{"garbage string", `{"id":"a","sender_id":"u1","content":"x","created_at":"not-a-time"}`, 500_000},
		{"negative number", `{"id":"a","sender_id":"u1","content":"x","created_at":-5}`, 500_000},
	}

	for _, tc := range cases {
		var rec RawRecord
		if err := json.Unmarshal([]byte(tc.raw), &rec); err != nil {
			t.Fatalf("%s: unmarshal failed: %v", tc.name, err)
		}
		m := Normalize("r1", rec, fallback)
		if m.CreatedAt != tc.want {
			t.Fatalf("%s: CreatedAt = %d, want %d", tc.name, m.CreatedAt, tc.want)
		}
	}
}

func TestNormalizeSenderAliasAndType(t *testing.T) {
	rec := RawRecord{ID: "m1", UserID: "legacy-user", Content: "hello", Type: "bogus"}
	m := Normalize("r1", rec, time.Now())
	if m.SenderID != "legacy-user" {
		t.Fatalf("SenderID = %q, want legacy-user", m.SenderID)
	}
	if m.Type != TypeText {
		t.Fatalf("unknown type should fall back to text, got %q", m.Type)
	}
	if m.RoomID != "r1" {
		t.Fatalf("RoomID = %q", m.RoomID)
	}
}

func TestNormalizeRecountsReactions(t *testing.T) {
	rec := RawRecord{
		ID:       "m1",
		SenderID: "u1",
		ReactionsByUser: map[string]string{
			"u1": "👍",
			"u2": "👍",
			"u3": "❤️",
		},
	}
	m := Normalize("r1", rec, time.Now())
	if m.ReactionsCount["👍"] != 2 || m.ReactionsCount["❤️"] != 1 {
		t.Fatalf("recomputed counts wrong: %v", m.ReactionsCount)
	}
}

func TestNormalizeBatchDropsMalformedRowsOnly(t *testing.T) {
	recs := []RawRecord{
		{ID: "m1", SenderID: "u1", Content: "ok"},
		{SenderID: "u1", Content: "no id"},
		{ID: "m3", Content: "no sender"},
		{ID: "m4", UserID: "u2", Content: "also ok"},
	}
	out := NormalizeBatch("r1", recs, time.Now())
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving rows, got %d", len(out))
	}
	if out[0].ID != "m1" || out[1].ID != "m4" {
		t.Fatalf("wrong rows survived: %v", out)
	}
}

func TestMessageEqualIgnoresLocalBookkeeping(t *testing.T) {
	a := Message{ID: "m1", RoomID: "r1", SenderID: "u1", Content: "x", Type: TypeText, CreatedAt: 100}
	b := a
	b.Local = true
	b.InsertedAt = 999
	if !a.Equal(&b) {
		t.Fatal("Local/InsertedAt must not affect equality")
	}
	b.Content = "y"
	if a.Equal(&b) {
		t.Fatal("content change must break equality")
	}
}

func TestTransientMediaDetection(t *testing.T) {
	m := Message{Type: TypeImage, MediaURL: "local://pending/1.jpg"}
	if !m.HasTransientMedia() {
		t.Fatal("local:// ref should be transient")
	}
	m.MediaURL = "https://cdn.example.com/1.jpg"
	if m.HasTransientMedia() {
		t.Fatal("https ref is durable")
	}
	album := Message{Type: TypeAlbum, AlbumURLs: []string{"https://cdn/x.jpg", "blob:abc"}}
	if !album.HasTransientMedia() {
		t.Fatal("album with one blob ref should be transient")
	}
}
