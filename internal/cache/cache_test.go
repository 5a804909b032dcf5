package cache

import (
	"path/filepath"
	"testing"
	"time"

	"emberchat/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestCache(t)
	msgs := []*model.Message{
		{ID: "a", RoomID: "r1", SenderID: "u1", Content: "one", Type: model.TypeText, CreatedAt: 100},
		{ID: "b", RoomID: "r1", SenderID: "u2", Content: "two", Type: model.TypeImage,
			MediaURL: "https://cdn/x.jpg", CreatedAt: 200,
			ReactionsByUser: map[string]string{"u1": "👍"}},
	}
	if err := c.SaveSnapshot("r1", msgs); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err := c.LoadRoom("r1", 0, time.Now())
	if err != nil {
		t.Fatalf("LoadRoom failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d rows, want 2", len(loaded))
	}
	if loaded[0].ID != "a" || loaded[1].ID != "b" {
		t.Fatalf("rows out of order: %s %s", loaded[0].ID, loaded[1].ID)
	}
	if loaded[1].ReactionsByUser["u1"] != "👍" {
		t.Fatal("reactions did not survive the round trip")
	}
}

func TestSnapshotReplacesPrevious(t *testing.T) {
	c := newTestCache(t)
	if err := c.SaveSnapshot("r1", []*model.Message{
		{ID: "stale", RoomID: "r1", SenderID: "u1", CreatedAt: 100},
	}); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := c.SaveSnapshot("r1", []*model.Message{
		{ID: "fresh", RoomID: "r1", SenderID: "u1", CreatedAt: 200},
	}); err != nil {
		t.Fatalf("second SaveSnapshot failed: %v", err)
	}

	loaded, err := c.LoadRoom("r1", 0, time.Now())
	if err != nil {
		t.Fatalf("LoadRoom failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "fresh" {
		t.Fatalf("snapshot not replaced: %+v", loaded)
	}
}

func TestLoadPrunesExpired(t *testing.T) {
	c := newTestCache(t)
	now := time.UnixMilli(1_000_000)
	if err := c.SaveSnapshot("r1", []*model.Message{
		{ID: "old", RoomID: "r1", SenderID: "u1", CreatedAt: now.UnixMilli() - 200_000},
		{ID: "live", RoomID: "r1", SenderID: "u1", CreatedAt: now.UnixMilli() - 1_000},
	}); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err := c.LoadRoom("r1", 3*time.Minute, now)
	if err != nil {
		t.Fatalf("LoadRoom failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "live" {
		t.Fatalf("TTL prune wrong: %+v", loaded)
	}
}

func TestDropRoom(t *testing.T) {
	c := newTestCache(t)
	if err := c.SaveSnapshot("r1", []*model.Message{
		{ID: "a", RoomID: "r1", SenderID: "u1", CreatedAt: 100},
	}); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := c.DropRoom("r1"); err != nil {
		t.Fatalf("DropRoom failed: %v", err)
	}
	loaded, err := c.LoadRoom("r1", 0, time.Now())
	if err != nil {
		t.Fatalf("LoadRoom failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("room not dropped: %d rows", len(loaded))
	}
}
