package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"emberchat/internal/model"
)

// snapshotWindow bounds how many trailing log rows one batch carries.
const snapshotWindow = 500

// RedisRemote backs the change feed with a redis store: one list per room
// as the ordered log, a pub/sub channel per room for push notifications,
// and hashes for membership and read markers.
type RedisRemote struct {
	client *redis.Client
	selfID string
}

// NewRedisRemote connects and pings the redis store.
func NewRedisRemote(redisURL, selfID string) (*RedisRemote, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &RedisRemote{client: client, selfID: selfID}, nil
}

// Close releases the underlying connection pool.
func (r *RedisRemote) Close() error { return r.client.Close() }

func logKey(roomID string) string      { return "chat:room:" + roomID + ":log" }
func pushChannel(roomID string) string { return "chat:room:" + roomID }
func membersKey(roomID string) string  { return "chat:room:" + roomID + ":members" }
func joinedKey(roomID string) string   { return "chat:room:" + roomID + ":joined" }
func readKey(roomID string) string     { return "chat:room:" + roomID + ":read" }
func roomKey(roomID string) string     { return "chat:room:" + roomID + ":meta" }

func (r *RedisRemote) isMember(ctx context.Context, roomID string) error {
	ok, err := r.client.SIsMember(ctx, membersKey(roomID), r.selfID).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// PollOnce returns the trailing window of the room log as one snapshot.
// Rows that fail to decode are dropped individually.
func (r *RedisRemote) PollOnce(ctx context.Context, roomID string) ([]model.RawRecord, error) {
	if err := r.isMember(ctx, roomID); err != nil {
		return nil, err
	}
	raw, err := r.client.LRange(ctx, logKey(roomID), -snapshotWindow, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room log: %w", err)
	}
	recs := make([]model.RawRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.RawRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			slog.Debug("dropping malformed log row", "room_id", roomID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Subscribe listens on the room's pub/sub channel; each notification
// triggers a fresh snapshot read so batches are always full snapshots.
func (r *RedisRemote) Subscribe(ctx context.Context, roomID string, onBatch func([]model.RawRecord), onErr func(error)) (func(), error) {
	if err := r.isMember(ctx, roomID); err != nil {
		return nil, err
	}
	pubsub := r.client.Subscribe(ctx, pushChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					select {
					case <-done:
					default:
						onErr(errors.New("pubsub channel closed"))
					}
					return
				}
				recs, err := r.PollOnce(ctx, roomID)
				if err != nil {
					onErr(err)
					return
				}
				onBatch(recs)
			}
		}
	}()

	return func() {
		close(done)
		pubsub.Close()
	}, nil
}

// SendMessage appends to the log and notifies subscribers in one pipeline.
func (r *RedisRemote) SendMessage(ctx context.Context, roomID string, rec model.RawRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, logKey(roomID), data)
	pipe.Publish(ctx, pushChannel(roomID), rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteMessage rewrites the trailing window without the given row.
func (r *RedisRemote) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	raw, err := r.client.LRange(ctx, logKey(roomID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read room log: %w", err)
	}
	kept := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		var rec model.RawRecord
		if err := json.Unmarshal([]byte(item), &rec); err == nil && rec.ID == messageID {
			continue
		}
		kept = append(kept, item)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, logKey(roomID))
	if len(kept) > 0 {
		pipe.RPush(ctx, logKey(roomID), kept...)
	}
	pipe.Publish(ctx, pushChannel(roomID), messageID)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateReaction rewrites the matching log row in place via LSET and
// notifies subscribers.
func (r *RedisRemote) UpdateReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	raw, err := r.client.LRange(ctx, logKey(roomID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read room log: %w", err)
	}
	for i, item := range raw {
		var rec model.RawRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil || rec.ID != messageID {
			continue
		}
		if emoji == "" {
			delete(rec.ReactionsByUser, userID)
		} else {
			if rec.ReactionsByUser == nil {
				rec.ReactionsByUser = make(map[string]string, 1)
			}
			rec.ReactionsByUser[userID] = emoji
		}
		rec.ReactionsCount = nil
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe := r.client.Pipeline()
		pipe.LSet(ctx, logKey(roomID), int64(i), data)
		pipe.Publish(ctx, pushChannel(roomID), messageID)
		_, err = pipe.Exec(ctx)
		return err
	}
	return ErrNotFound
}

func (r *RedisRemote) WriteReadMarker(ctx context.Context, roomID, userID string, lastReadAt int64) error {
	return r.client.HSet(ctx, readKey(roomID), userID, lastReadAt).Err()
}

// RepairMembership is an idempotent upsert of the membership record.
func (r *RedisRemote) RepairMembership(ctx context.Context, roomID, userID string) error {
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, membersKey(roomID), userID)
	pipe.HSetNX(ctx, joinedKey(roomID), userID, time.Now().UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRemote) Room(ctx context.Context, roomID string) (model.Room, error) {
	var room model.Room
	data, err := r.client.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return room, ErrNotFound
	}
	if err != nil {
		return room, fmt.Errorf("failed to read room record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return room, fmt.Errorf("failed to decode room record: %w", err)
	}
	return room, nil
}

func (r *RedisRemote) UpdateRoom(ctx context.Context, room model.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, roomKey(room.ID), data, 0).Err()
}
