package feed

import (
	"encoding/json"

	"emberchat/internal/model"
)

const (
	TypeRoomSubscribe = "room.subscribe"
	TypeRoomBatch     = "room.batch"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"

	CodeNotMember = "NOT_MEMBER"
)

// WSMessage is the envelope for every websocket frame.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	RoomID string `json:"room_id"`
}

type BatchPayload struct {
	RoomID  string            `json:"room_id"`
	Records []model.RawRecord `json:"records"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func NewWSMessage(msgType string, payload interface{}) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	msg := WSMessage{Type: msgType, Payload: p}
	return json.Marshal(msg)
}
