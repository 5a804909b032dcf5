package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"emberchat/internal/model"
)

// DefaultPollInterval is the standing poll cadence.
const DefaultPollInterval = 5 * time.Second

// Adapter turns one room's remote log into a stream of normalized
// snapshot batches. Two delivery modes run at once: a push subscription
// for latency, and a fixed-interval poll as a safety net, so a push
// failure degrades instead of stalling the room. Both feed the same
// channel; a later batch simply supersedes the prior one after merge, so
// duplicate or out-of-order delivery is harmless.
type Adapter struct {
	remote   Remote
	roomID   string
	selfID   string
	interval time.Duration

	batches chan []model.Message
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// Now is the fallback clock for rows with unusable timestamps.
	Now func() time.Time
}

// NewAdapter builds an adapter for one room. A non-positive interval gets
// the default.
func NewAdapter(remote Remote, roomID, selfID string, interval time.Duration) *Adapter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Adapter{
		remote:   remote,
		roomID:   roomID,
		selfID:   selfID,
		interval: interval,
		batches:  make(chan []model.Message, 1),
		Now:      time.Now,
	}
}

// Batches is the stream of normalized full-snapshot batches. The channel
// holds at most one batch: an undelivered batch is replaced by a newer
// one, which is sound because every batch is a full snapshot.
func (a *Adapter) Batches() <-chan []model.Message { return a.batches }

// Start launches the standing poll and the push subscription. Call Stop
// to tear both down.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go a.runPoll(ctx)
	go a.runPush(ctx)
}

// Stop tears down the subscription and the poll timer. No batch is
// delivered after Stop returns. Safe to call more than once.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.batches)
	}
}

func (a *Adapter) runPoll(ctx context.Context) {
	defer a.wg.Done()

	repaired := false
	poll := func() {
		recs, err := a.remote.PollOnce(ctx, a.roomID)
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) && !repaired {
				repaired = true
				if rerr := a.remote.RepairMembership(ctx, a.roomID, a.selfID); rerr != nil {
					slog.Debug("membership repair failed", "room_id", a.roomID, "error", rerr)
				}
				if recs, err = a.remote.PollOnce(ctx, a.roomID); err == nil {
					a.deliver(ctx, recs)
				}
				return
			}
			// Transient; the next tick retries.
			slog.Debug("poll failed", "room_id", a.roomID, "error", err)
			return
		}
		a.deliver(ctx, recs)
	}

	poll()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func (a *Adapter) runPush(ctx context.Context) {
	defer a.wg.Done()

	errCh := make(chan error, 1)
	onErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	repaired := false
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		stop, err := a.remote.Subscribe(ctx, a.roomID, func(recs []model.RawRecord) {
			a.deliver(ctx, recs)
		}, onErr)
		if err == nil {
			bo.Reset()
			select {
			case <-ctx.Done():
				stop()
				return
			case err = <-errCh:
				stop()
			}
		}
		if errors.Is(err, ErrPushUnsupported) {
			slog.Info("remote has no push channel, poll only", "room_id", a.roomID)
			return
		}
		if errors.Is(err, ErrPermissionDenied) {
			if repaired {
				// Give up on push for this session; the standing poll
				// keeps the room converging.
				slog.Warn("push permission denied after repair, poll only", "room_id", a.roomID)
				return
			}
			repaired = true
			if rerr := a.remote.RepairMembership(ctx, a.roomID, a.selfID); rerr != nil {
				slog.Debug("membership repair failed", "room_id", a.roomID, "error", rerr)
			}
			if recs, perr := a.remote.PollOnce(ctx, a.roomID); perr == nil {
				a.deliver(ctx, recs)
			}
			continue
		}
		slog.Debug("push subscription down", "room_id", a.roomID, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// deliver normalizes and enqueues a batch, replacing any batch the
// consumer has not taken yet. Push callbacks run on the transport's
// goroutine, so the closed check and the send share a lock with Stop.
func (a *Adapter) deliver(ctx context.Context, recs []model.RawRecord) {
	batch := model.NormalizeBatch(a.roomID, recs, a.Now())
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || ctx.Err() != nil {
		return
	}
	for {
		select {
		case a.batches <- batch:
			return
		default:
		}
		select {
		case <-a.batches:
		default:
		}
	}
}
