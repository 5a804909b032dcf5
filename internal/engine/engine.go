package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"emberchat/internal/feed"
	"emberchat/internal/model"
	"emberchat/internal/store"
)

var (
	// ErrClosed is returned for commands posted after the engine shut
	// down, including shutdown caused by room expiry.
	ErrClosed = errors.New("engine: room closed")
	// ErrRoomExpired rejects lifecycle operations on an expired room.
	ErrRoomExpired = errors.New("engine: room expired")
)

// Events are the callbacks the view layer hangs off the engine. Both are
// invoked from the engine goroutine; handlers must not block.
type Events struct {
	// OnTable fires with the filtered, TTL-pruned table whenever the
	// visible set changes, including on eviction with no new batch.
	OnTable func(roomID string, visible []*model.Message)
	// OnRoomExpired fires exactly once when the room-level expiry passes.
	OnRoomExpired func(roomID string)
}

// Options tune one engine instance.
type Options struct {
	// PollInterval for the standing poll; zero means the default.
	PollInterval time.Duration
}

// RoomEngine owns one room's canonical table end to end: it is the only
// goroutine that mutates the table, consuming remote batches and user
// commands from channels so merges never run concurrently with
// themselves. Everything asynchronous (upstream writes) is fire and
// forget and re-converges through the next snapshot.
type RoomEngine struct {
	room    model.Room
	store   *store.Store
	remote  feed.Remote
	adapter *feed.Adapter
	events  Events
	opts    Options

	cmds   chan command
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	started     bool
	focused     bool
	roomExpired bool
	evictTimer  *time.Timer
	roomTimer   *time.Timer
	readLimiter *rate.Limiter

	// Now is the engine clock; tests substitute a fake.
	Now func() time.Time
}

type command struct {
	fn    func() error
	reply chan error
}

// New builds an engine for one room. Start must be called before use.
func New(room model.Room, st *store.Store, remote feed.Remote, events Events, opts Options) *RoomEngine {
	return &RoomEngine{
		room:        room,
		store:       st,
		remote:      remote,
		events:      events,
		opts:        opts,
		cmds:        make(chan command),
		done:        make(chan struct{}),
		readLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		Now:         time.Now,
	}
}

// Room returns the engine's current view of the room record. Valid only
// after Start.
func (e *RoomEngine) Room() model.Room {
	var room model.Room
	if err := e.exec(func() error { room = e.room; return nil }); err != nil {
		return e.room
	}
	return room
}

// Start begins consuming the remote feed.
func (e *RoomEngine) Start(ctx context.Context) {
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.store.SetTTL(e.room.ID, e.room.MessageTTL())
	e.adapter = feed.NewAdapter(e.remote, e.room.ID, e.store.SelfID(), e.opts.PollInterval)
	e.adapter.Now = e.Now
	e.adapter.Start(e.ctx)
	e.armRoomTimer()
	go e.run()
}

// Close tears down the subscription, timers and the engine goroutine.
// Safe to call more than once, and a no-op on an engine that was never
// started; commands in flight get ErrClosed.
func (e *RoomEngine) Close() {
	if !e.started {
		return
	}
	e.cancel()
	<-e.done
	e.adapter.Stop()
}

func (e *RoomEngine) run() {
	defer close(e.done)
	defer e.stopTimers()

	for {
		select {
		case <-e.ctx.Done():
			return
		case batch, ok := <-e.adapter.Batches():
			if !ok {
				return
			}
			e.handleBatch(batch)
		case cmd := <-e.cmds:
			cmd.reply <- cmd.fn()
		case <-timerC(e.evictTimer):
			e.evictNow()
		case <-timerC(e.roomTimer):
			e.expireRoom()
		}
	}
}

// exec runs fn inside the engine goroutine and returns its error. Posting
// to a closed engine returns ErrClosed; this is the stale-delivery guard
// that keeps late results from resurrecting a room after navigation away.
func (e *RoomEngine) exec(fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *RoomEngine) handleBatch(batch []model.Message) {
	res := e.store.MergeBatch(e.room.ID, batch)
	e.armEvictTimer()

	if e.focused {
		e.markRead()
	} else if res.Unread == 0 && res.Changed {
		e.writeReadMarker()
	}
	if res.Changed {
		e.emitTable()
	}
}

// markRead acknowledges the table for the session user and pushes the
// read marker upstream when anything was newly marked. Idempotent.
func (e *RoomEngine) markRead() {
	if e.store.MarkRead(e.room.ID) > 0 {
		e.writeReadMarker()
	}
}

// writeReadMarker is fire and forget; failures are absorbed and the next
// zero-unread transition retries. Rate limited so a busy room does not
// hammer the store.
func (e *RoomEngine) writeReadMarker() {
	if !e.readLimiter.Allow() {
		return
	}
	ctx, roomID, selfID := e.ctx, e.room.ID, e.store.SelfID()
	at := e.Now().UnixMilli()
	go func() {
		if err := e.remote.WriteReadMarker(ctx, roomID, selfID, at); err != nil {
			slog.Debug("read marker write failed", "room_id", roomID, "error", err)
		}
	}()
}

func (e *RoomEngine) emitTable() {
	if e.events.OnTable != nil {
		e.events.OnTable(e.room.ID, e.store.Visible(e.room.ID))
	}
}

// Send appends an optimistic text row and pushes the write upstream. The
// row is visible before the network round trip; if the upstream write
// fails the row is superseded by the next authoritative snapshot.
func (e *RoomEngine) Send(content string) (model.Message, error) {
	var m model.Message
	err := e.exec(func() error {
		m = e.store.Append(e.room.ID, model.Message{
			SenderID: model.SenderMe,
			Content:  content,
			Type:     model.TypeText,
		})
		e.armEvictTimer()
		e.emitTable()
		e.pushUpstream(m)
		return nil
	})
	return m, err
}

// SendMedia appends an optimistic media row, typically carrying transient
// local URIs until the upload completes. The row survives merges without
// a remote counterpart for the pending window.
func (e *RoomEngine) SendMedia(typ model.MessageType, caption string, urls []string) (model.Message, error) {
	var m model.Message
	err := e.exec(func() error {
		msg := model.Message{
			SenderID: model.SenderMe,
			Content:  caption,
			Type:     typ,
		}
		if typ == model.TypeAlbum {
			msg.AlbumURLs = urls
		} else if len(urls) > 0 {
			msg.MediaURL = urls[0]
		}
		m = e.store.Append(e.room.ID, msg)
		e.armEvictTimer()
		e.emitTable()
		e.pushUpstream(m)
		return nil
	})
	return m, err
}

func (e *RoomEngine) pushUpstream(m model.Message) {
	rec := model.RawRecord{
		ID:              m.ID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		Type:            string(m.Type),
		ImageURL:        m.MediaURL,
		AlbumURLs:       m.AlbumURLs,
		ReplyToID:       m.ReplyToID,
		CreatedAt:       model.Timestamp{Kind: model.TSEpochMillis, Millis: m.CreatedAt},
		ReactionsByUser: m.ReactionsByUser,
	}
	// Carry the author's own read state so the confirming snapshot does
	// not count our message as unread.
	for id := range m.ReadBy {
		if m.ReadBy[id] {
			rec.ReadBy = append(rec.ReadBy, id)
		}
	}
	ctx, roomID := e.ctx, e.room.ID
	go func() {
		if err := e.remote.SendMessage(ctx, roomID, rec); err != nil {
			// The optimistic row ages out of the pending window on its
			// own; the view layer reports the failure to the user.
			slog.Warn("upstream send failed", "room_id", roomID, "message_id", rec.ID, "error", err)
		}
	}()
}

// React toggles the session user's reaction locally and mirrors the
// resulting state upstream. Latest reaction wins per user; toggling the
// same emoji twice clears it.
func (e *RoomEngine) React(messageID, emoji string) error {
	return e.exec(func() error {
		if !e.store.ToggleReaction(e.room.ID, messageID, e.store.SelfID(), emoji) {
			return feed.ErrNotFound
		}
		e.emitTable()

		final := ""
		if row, ok := e.store.Get(e.room.ID, messageID); ok {
			final = row.ReactionsByUser[e.store.SelfID()]
		}
		ctx, roomID, selfID := e.ctx, e.room.ID, e.store.SelfID()
		go func() {
			if err := e.remote.UpdateReaction(ctx, roomID, messageID, selfID, final); err != nil {
				slog.Debug("reaction write failed", "room_id", roomID, "message_id", messageID, "error", err)
			}
		}()
		return nil
	})
}

// DeleteLocal removes a row from this user's view only.
func (e *RoomEngine) DeleteLocal(messageID string) error {
	return e.exec(func() error {
		if !e.store.Remove(e.room.ID, messageID) {
			return feed.ErrNotFound
		}
		e.emitTable()
		return nil
	})
}

// Delete removes a row for everyone. The remote write is synchronous so
// the caller can surface a rejection.
func (e *RoomEngine) Delete(messageID string) error {
	return e.exec(func() error {
		if err := e.remote.DeleteMessage(e.ctx, e.room.ID, messageID); err != nil {
			return err
		}
		e.store.Remove(e.room.ID, messageID)
		e.emitTable()
		return nil
	})
}

// SetFocused records whether the room view is on screen. Gaining focus
// marks the table read; read marking never happens for unfocused rooms,
// which would falsely clear another device's badge.
func (e *RoomEngine) SetFocused(focused bool) error {
	return e.exec(func() error {
		e.focused = focused
		if focused {
			e.markRead()
			e.emitTable()
		}
		return nil
	})
}

// Visible returns the current filtered, TTL-pruned table.
func (e *RoomEngine) Visible() []*model.Message {
	return e.store.Visible(e.room.ID)
}

// Unread returns the current unread count.
func (e *RoomEngine) Unread() int {
	return e.store.Unread(e.room.ID)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (e *RoomEngine) stopTimers() {
	if e.evictTimer != nil {
		e.evictTimer.Stop()
	}
	if e.roomTimer != nil {
		e.roomTimer.Stop()
	}
}
