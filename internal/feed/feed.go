package feed

import (
	"context"
	"errors"

	"emberchat/internal/model"
)

var (
	// ErrPermissionDenied means the store does not see our membership yet.
	// Recovered locally by a repair write plus one retry, never surfaced.
	ErrPermissionDenied = errors.New("feed: permission denied")
	// ErrNotFound means the addressed room or message does not exist.
	ErrNotFound = errors.New("feed: not found")
	// ErrPushUnsupported is returned by poll-only remotes; the adapter
	// then runs on the standing poll alone.
	ErrPushUnsupported = errors.New("feed: push subscription unsupported")
)

// Remote is the read/write contract the engine expects from the remote
// document store. Batches are full-replace snapshots of a room's ordered
// log up to a bounded window, never diffs.
//
// Subscribe and PollOnce must be safe to call before membership is
// confirmed; callers recover from ErrPermissionDenied with
// RepairMembership.
type Remote interface {
	Subscribe(ctx context.Context, roomID string, onBatch func([]model.RawRecord), onErr func(error)) (stop func(), err error)
	PollOnce(ctx context.Context, roomID string) ([]model.RawRecord, error)

	SendMessage(ctx context.Context, roomID string, rec model.RawRecord) error
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	// UpdateReaction sets the user's reaction on a message; an empty
	// emoji clears it.
	UpdateReaction(ctx context.Context, roomID, messageID, userID, emoji string) error
	WriteReadMarker(ctx context.Context, roomID, userID string, lastReadAt int64) error
	RepairMembership(ctx context.Context, roomID, userID string) error

	Room(ctx context.Context, roomID string) (model.Room, error)
	UpdateRoom(ctx context.Context, room model.Room) error
}
