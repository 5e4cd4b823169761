package realtime

import (
	"encoding/json"

	"github.com/jurisnexo/relay/go/internal/events"
)

// Client to server events.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
	EventTyping    = events.Typing
)

// Server to client events besides the relayed ones in package events.
const (
	EventConnected = "connected"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventError     = "error"
)

// Frame is the JSON shape of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type roomRequest struct {
	ConversationID string `json:"conversationId"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// TypingPayload is relayed to the other members of a conversation room. The
// sender fields always come from the verified credential.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

type RoomPayload struct {
	Room           string `json:"room"`
	ConversationID string `json:"conversationId"`
}

type ConnectedPayload struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	TenantID     string   `json:"tenantId"`
	Rooms        []string `json:"rooms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
