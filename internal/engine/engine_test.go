package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"emberchat/internal/feed"
	"emberchat/internal/model"
	"emberchat/internal/store"
)

const selfID = "me-user"

type fakeRemote struct {
	mu          sync.Mutex
	records     []model.RawRecord
	sent        []model.RawRecord
	deleted     []string
	readMarkers []int64
	rooms       []model.Room
	updateErr   error
}

func (f *fakeRemote) Subscribe(ctx context.Context, roomID string, onBatch func([]model.RawRecord), onErr func(error)) (func(), error) {
	return nil, feed.ErrPushUnsupported
}

func (f *fakeRemote) PollOnce(ctx context.Context, roomID string) ([]model.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.RawRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeRemote) SendMessage(ctx context.Context, roomID string, rec model.RawRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, rec)
	return nil
}

func (f *fakeRemote) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeRemote) UpdateReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	return nil
}

func (f *fakeRemote) WriteReadMarker(ctx context.Context, roomID, userID string, lastReadAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readMarkers = append(f.readMarkers, lastReadAt)
	return nil
}

func (f *fakeRemote) RepairMembership(ctx context.Context, roomID, userID string) error { return nil }

func (f *fakeRemote) Room(ctx context.Context, roomID string) (model.Room, error) {
	return model.Room{ID: roomID, Type: model.RoomGroup}, nil
}

func (f *fakeRemote) UpdateRoom(ctx context.Context, room model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.rooms = append(f.rooms, room)
	return nil
}

func startEngine(t *testing.T, room model.Room, remote *fakeRemote, events Events, opts Options) *RoomEngine {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	st := store.New(selfID, store.DefaultConfig())
	eng := New(room, st, remote, events, opts)
	eng.Start(context.Background())
	t.Cleanup(eng.Close)
	return eng
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendIsVisibleImmediately(t *testing.T) {
	remote := &fakeRemote{}
	eng := startEngine(t, model.Room{ID: "r1", Type: model.RoomGroup}, remote, Events{}, Options{PollInterval: time.Hour})

	m, err := eng.Send("hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	visible := eng.Visible()
	if len(visible) != 1 || visible[0].ID != m.ID {
		t.Fatalf("optimistic row not visible: %+v", visible)
	}

	eventually(t, "upstream write", func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.sent) == 1 && remote.sent[0].Content == "hello"
	})
}

func TestBatchMergeAndFocusedRead(t *testing.T) {
	remote := &fakeRemote{records: []model.RawRecord{
		{ID: "m1", SenderID: "u2", Content: "hi",
			CreatedAt: model.Timestamp{Kind: model.TSEpochMillis, Millis: 100}},
	}}
	eng := startEngine(t, model.Room{ID: "r1", Type: model.RoomGroup}, remote, Events{}, Options{})

	eventually(t, "batch merge", func() bool { return len(eng.Visible()) == 1 })
	if eng.Unread() != 1 {
		t.Fatalf("unread = %d, want 1", eng.Unread())
	}

	if err := eng.SetFocused(true); err != nil {
		t.Fatalf("SetFocused failed: %v", err)
	}
	eventually(t, "read marker write", func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.readMarkers) > 0
	})
	if eng.Unread() != 0 {
		t.Fatalf("unread after focus = %d, want 0", eng.Unread())
	}
}

func TestDeleteSurfacesRemoteResult(t *testing.T) {
	remote := &fakeRemote{records: []model.RawRecord{
		{ID: "m1", SenderID: "u2", Content: "hi",
			CreatedAt: model.Timestamp{Kind: model.TSEpochMillis, Millis: 100}},
	}}
	eng := startEngine(t, model.Room{ID: "r1", Type: model.RoomGroup}, remote, Events{}, Options{})
	eventually(t, "batch merge", func() bool { return len(eng.Visible()) == 1 })

	if err := eng.Delete("m1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	remote.mu.Lock()
	deleted := len(remote.deleted)
	remote.mu.Unlock()
	if deleted != 1 {
		t.Fatal("remote delete not issued synchronously")
	}
}

func TestMessageEvictionForcesRefresh(t *testing.T) {
	tables := make(chan int, 16)
	remote := &fakeRemote{records: []model.RawRecord{
		{ID: "m1", SenderID: "u2", Content: "burns out",
			CreatedAt: model.Timestamp{Kind: model.TSEpochMillis, Millis: time.Now().UnixMilli()}},
	}}
	room := model.Room{ID: "r1", Type: model.RoomTTL, MessageTTLMs: 80}
	eng := startEngine(t, room, remote, Events{
		OnTable: func(_ string, visible []*model.Message) {
			select {
			case tables <- len(visible):
			default:
			}
		},
	}, Options{PollInterval: time.Hour})

	eventually(t, "row to appear", func() bool { return len(eng.Visible()) == 1 })
	// The countdown completes and the view refreshes with no new batch.
	eventually(t, "eviction", func() bool {
		select {
		case n := <-tables:
			return n == 0
		default:
			return false
		}
	})
	if got := len(eng.Visible()); got != 0 {
		t.Fatalf("expired row still visible: %d", got)
	}
}

func TestCountdownResumesMidLifetime(t *testing.T) {
	ttl := 10 * time.Second
	m := model.Message{ID: "m1", CreatedAt: 1_000_000}

	now := time.UnixMilli(1_000_000 + 2_500)
	frac := Countdown(&m, ttl, now)
	if frac < 0.74 || frac > 0.76 {
		t.Fatalf("countdown fraction = %f, want 0.75", frac)
	}
	if got := Countdown(&m, ttl, time.UnixMilli(1_000_000+20_000)); got != 0 {
		t.Fatalf("past expiry should clamp to 0, got %f", got)
	}
	if got := Countdown(&m, ttl, time.UnixMilli(999_000)); got != 1 {
		t.Fatalf("before creation should clamp to 1, got %f", got)
	}
}

func TestRoomExpiryIsSingleShot(t *testing.T) {
	expirations := make(chan string, 4)
	room := model.Room{
		ID:        "r1",
		Type:      model.RoomTTL,
		ExpiresAt: time.Now().Add(60 * time.Millisecond).UnixMilli(),
	}
	eng := startEngine(t, room, &fakeRemote{}, Events{
		OnRoomExpired: func(id string) { expirations <- id },
	}, Options{PollInterval: time.Hour})

	select {
	case id := <-expirations:
		if id != "r1" {
			t.Fatalf("wrong room expired: %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("room never expired")
	}

	// The engine is closed; stale commands are rejected, and the expiry
	// callback never re-fires.
	eventually(t, "engine shutdown", func() bool {
		_, err := eng.Send("too late")
		return errors.Is(err, ErrClosed)
	})
	select {
	case <-expirations:
		t.Fatal("room expiry fired twice")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestExtendExpiry(t *testing.T) {
	remote := &fakeRemote{}
	now := time.Now()
	room := model.Room{
		ID:        "r1",
		Type:      model.RoomTTL,
		ExpiresAt: now.Add(24 * time.Hour).UnixMilli(),
	}
	eng := startEngine(t, room, remote, Events{}, Options{PollInterval: time.Hour})

	if _, err := eng.ExtendExpiry(40 * 24 * time.Hour); !errors.Is(err, model.ErrExtensionRejected) {
		t.Fatalf("40 day extension should be rejected, got %v", err)
	}

	next, err := eng.ExtendExpiry(10 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("10 day extension failed: %v", err)
	}
	want := now.Add(11 * 24 * time.Hour).UnixMilli()
	if diff := next - want; diff < -2000 || diff > 2000 {
		t.Fatalf("new expiry = %d, want about %d", next, want)
	}

	remote.mu.Lock()
	pushed := len(remote.rooms)
	remote.mu.Unlock()
	if pushed != 1 {
		t.Fatalf("room record writes = %d, want 1", pushed)
	}
}

func TestExtendExpiryAbortsOnRemoteRejection(t *testing.T) {
	remote := &fakeRemote{updateErr: errors.New("insufficient balance")}
	before := time.Now().Add(24 * time.Hour).UnixMilli()
	room := model.Room{ID: "r1", Type: model.RoomTTL, ExpiresAt: before}
	eng := startEngine(t, room, remote, Events{}, Options{PollInterval: time.Hour})

	if _, err := eng.ExtendExpiry(10 * 24 * time.Hour); err == nil {
		t.Fatal("remote rejection must surface")
	}
	if got := eng.Room().ExpiresAt; got != before {
		t.Fatalf("rejected extension changed state: %d != %d", got, before)
	}
}

func TestCloseBeforeStartReturns(t *testing.T) {
	st := store.New(selfID, store.DefaultConfig())
	eng := New(model.Room{ID: "r1", Type: model.RoomGroup}, st, &fakeRemote{}, Events{}, Options{})

	done := make(chan struct{})
	go func() {
		eng.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close on a never-started engine must not block")
	}
}

func TestEditExpiryOnlyShortens(t *testing.T) {
	remote := &fakeRemote{}
	now := time.Now()
	room := model.Room{ID: "r1", Type: model.RoomTTL, ExpiresAt: now.Add(2 * time.Hour).UnixMilli()}
	eng := startEngine(t, room, remote, Events{}, Options{PollInterval: time.Hour})

	if err := eng.EditExpiry(now.Add(3 * time.Hour).UnixMilli()); !errors.Is(err, model.ErrEditLengthens) {
		t.Fatalf("lengthening edit should be rejected, got %v", err)
	}
	if err := eng.EditExpiry(now.Add(time.Hour).UnixMilli()); err != nil {
		t.Fatalf("shortening edit failed: %v", err)
	}
}
