package engine

import (
	"time"

	"emberchat/internal/model"
)

// Countdown returns the remaining fraction of a message's lifetime,
// clamped to [0,1]. The fraction is computed from the remaining time, so
// re-entering a room mid-countdown resumes the indicator instead of
// resetting it.
func Countdown(m *model.Message, ttl time.Duration, now time.Time) float64 {
	exp := m.ExpiresAt(ttl)
	if exp == 0 {
		return 1
	}
	remaining := float64(exp - now.UnixMilli())
	frac := remaining / float64(ttl.Milliseconds())
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// Countdown returns the remaining-lifetime fraction for one row, and
// whether the row is still in the canonical table.
func (e *RoomEngine) Countdown(messageID string) (float64, bool) {
	ttl := e.room.MessageTTL()
	if ttl <= 0 {
		return 1, true
	}
	row, ok := e.store.Get(e.room.ID, messageID)
	if !ok {
		return 0, false
	}
	return Countdown(&row, ttl, e.Now()), true
}

// armEvictTimer schedules the next wakeup at the earliest message expiry.
// Runs in the engine goroutine.
func (e *RoomEngine) armEvictTimer() {
	next := e.store.NextExpiry(e.room.ID)
	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}
	if next.IsZero() {
		return
	}
	d := next.Sub(e.Now())
	if d < 0 {
		d = 0
	}
	e.evictTimer = time.NewTimer(d)
}

// evictNow drops expired rows and forces a view refresh even though no
// remote batch arrived.
func (e *RoomEngine) evictNow() {
	e.evictTimer = nil
	e.emitTable()
	e.armEvictTimer()
}

// armRoomTimer (re)arms the single-shot room-level expiry timer. Called
// on start and whenever ExpiresAt changes; once the timer has fired it is
// never re-armed.
func (e *RoomEngine) armRoomTimer() {
	if e.roomTimer != nil {
		e.roomTimer.Stop()
		e.roomTimer = nil
	}
	if e.roomExpired || e.room.ExpiresAt == 0 {
		return
	}
	d := time.UnixMilli(e.room.ExpiresAt).Sub(e.Now())
	if d < 0 {
		d = 0
	}
	e.roomTimer = time.NewTimer(d)
}

// expireRoom closes the room for this user: the room leaves the room list
// and the engine shuts down. Idempotent single-shot.
func (e *RoomEngine) expireRoom() {
	if e.roomExpired {
		return
	}
	e.roomExpired = true
	e.roomTimer = nil
	if e.events.OnRoomExpired != nil {
		e.events.OnRoomExpired(e.room.ID)
	}
	e.cancel()
}

// ExtendExpiry lengthens the room's expiry by d and returns the new
// absolute expiry. Rejections (non-positive, over the 30-day cap, remote
// refusal) leave no partial state: the local record and the timer are
// untouched. Extension is the only operation that may lengthen.
func (e *RoomEngine) ExtendExpiry(d time.Duration) (int64, error) {
	var next int64
	err := e.exec(func() error {
		if e.roomExpired {
			return ErrRoomExpired
		}
		prev := e.room.ExpiresAt
		n, err := e.room.ExtendExpiry(e.Now(), d)
		if err != nil {
			return err
		}
		if err := e.remote.UpdateRoom(e.ctx, e.room); err != nil {
			e.room.ExpiresAt = prev
			return err
		}
		next = n
		e.armRoomTimer()
		return nil
	})
	return next, err
}

// EditExpiry sets the expiry to an absolute time; edits may only shorten.
func (e *RoomEngine) EditExpiry(at int64) error {
	return e.exec(func() error {
		if e.roomExpired {
			return ErrRoomExpired
		}
		prev := e.room.ExpiresAt
		if err := e.room.EditExpiry(at); err != nil {
			return err
		}
		if err := e.remote.UpdateRoom(e.ctx, e.room); err != nil {
			e.room.ExpiresAt = prev
			return err
		}
		e.armRoomTimer()
		return nil
	})
}
