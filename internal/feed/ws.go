package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"emberchat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// WSRemote talks to a store that exposes a REST surface for reads/writes
// and a websocket endpoint for the push subscription.
type WSRemote struct {
	base   *url.URL
	token  string
	client *http.Client
	dialer *websocket.Dialer
}

// NewWSRemote builds a remote for the given http(s) base URL. The token
// authenticates both the REST calls and the websocket dial.
func NewWSRemote(baseURL, token string) (*WSRemote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote URL: %w", err)
	}
	return &WSRemote{
		base:   u,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		dialer: websocket.DefaultDialer,
	}, nil
}

func (r *WSRemote) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return ErrPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// PollOnce fetches the room's current snapshot window.
func (r *WSRemote) PollOnce(ctx context.Context, roomID string) ([]model.RawRecord, error) {
	var recs []model.RawRecord
	if err := r.do(ctx, http.MethodGet, "/api/rooms/"+roomID+"/messages", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *WSRemote) SendMessage(ctx context.Context, roomID string, rec model.RawRecord) error {
	return r.do(ctx, http.MethodPost, "/api/rooms/"+roomID+"/messages", rec, nil)
}

func (r *WSRemote) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return r.do(ctx, http.MethodDelete, "/api/rooms/"+roomID+"/messages/"+messageID, nil, nil)
}

func (r *WSRemote) UpdateReaction(ctx context.Context, roomID, messageID, userID, emoji string) error {
	return r.do(ctx, http.MethodPut, "/api/rooms/"+roomID+"/messages/"+messageID+"/reactions/"+userID, map[string]string{
		"emoji": emoji,
	}, nil)
}

func (r *WSRemote) WriteReadMarker(ctx context.Context, roomID, userID string, lastReadAt int64) error {
	return r.do(ctx, http.MethodPost, "/api/rooms/"+roomID+"/read", map[string]interface{}{
		"user_id":      userID,
		"unread":       0,
		"last_read_at": lastReadAt,
	}, nil)
}

func (r *WSRemote) RepairMembership(ctx context.Context, roomID, userID string) error {
	return r.do(ctx, http.MethodPut, "/api/rooms/"+roomID+"/members/"+userID, map[string]interface{}{
		"joined_at": time.Now().UnixMilli(),
	}, nil)
}

func (r *WSRemote) Room(ctx context.Context, roomID string) (model.Room, error) {
	var room model.Room
	err := r.do(ctx, http.MethodGet, "/api/rooms/"+roomID, nil, &room)
	return room, err
}

func (r *WSRemote) UpdateRoom(ctx context.Context, room model.Room) error {
	return r.do(ctx, http.MethodPut, "/api/rooms/"+room.ID, room, nil)
}

// Subscribe dials the websocket endpoint and streams snapshot batches for
// the room until stop is called or the connection drops. Connection-level
// failures after a successful dial are reported through onErr.
func (r *WSRemote) Subscribe(ctx context.Context, roomID string, onBatch func([]model.RawRecord), onErr func(error)) (func(), error) {
	wsURL := *r.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/ws"
	q := wsURL.Query()
	q.Set("token", r.token)
	wsURL.RawQuery = q.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	sub, err := NewWSMessage(TypeRoomSubscribe, SubscribePayload{RoomID: roomID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket subscribe: %w", err)
	}

	done := make(chan struct{})
	go r.readPump(conn, roomID, onBatch, onErr, done)
	go r.pingPump(conn, done)

	var once bool
	return func() {
		if !once {
			once = true
			close(done)
			conn.Close()
		}
	}, nil
}

func (r *WSRemote) readPump(conn *websocket.Conn, roomID string, onBatch func([]model.RawRecord), onErr func(error), done chan struct{}) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				onErr(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeRoomBatch:
			var payload BatchPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if payload.RoomID != "" && payload.RoomID != roomID {
				continue
			}
			onBatch(payload.Records)
		case TypeError:
			var payload ErrorPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if payload.Code == CodeNotMember {
				onErr(ErrPermissionDenied)
				return
			}
			slog.Debug("subscription error frame", "room_id", roomID, "code", payload.Code)
		}
	}
}

func (r *WSRemote) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
