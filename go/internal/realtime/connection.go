package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
)

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
	}
}

// Connection is one authenticated websocket session.
type Connection struct {
	ID          string
	Identity    Identity
	ConnectedAt time.Time

	hub    *Hub
	ws     *websocket.Conn
	config ConnectionConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(hub *Hub, ws *websocket.Conn, ident Identity, cfg ConnectionConfig) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		Identity:    ident,
		ConnectedAt: time.Now(),
		hub:         hub,
		ws:          ws,
		config:      cfg,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
	}
}

// Close ends the session. The write pump closes the socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump. It reports false only when the
// send buffer is full; frames for a closed session are discarded.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) reply(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Str("event", event).Msg("failed to encode frame")
		return
	}
	if !c.enqueue(frame) {
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
		c.Close()
	}
}

func (c *Connection) replyError(code, message string) {
	c.reply(EventError, ErrorPayload{Code: code, Message: message})
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.Unregister(c)
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}

		c.handleFrame(message)
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *Connection) handleFrame(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		c.replyError("bad_frame", "expected {\"event\": string, \"data\": object}")
		return
	}

	switch f.Event {
	case EventJoinRoom:
		room, convID, ok := c.conversationRoom(f.Data)
		if !ok {
			return
		}
		if !c.hub.Join(c, room) {
			return
		}
		c.reply(EventJoined, RoomPayload{Room: room, ConversationID: convID})

	case EventLeaveRoom:
		room, convID, ok := c.conversationRoom(f.Data)
		if !ok {
			return
		}
		c.hub.Leave(c, room)
		c.reply(EventLeft, RoomPayload{Room: room, ConversationID: convID})

	case EventTyping:
		var req typingRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			c.replyError("bad_payload", "typing expects {\"conversationId\", \"isTyping\"}")
			return
		}
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			c.replyError("bad_payload", "conversationId must be a UUID")
			return
		}
		room := events.ConversationRoom(id)
		if !c.hub.IsMember(c, room) {
			c.replyError("not_in_room", "join the conversation before sending typing events")
			return
		}
		err = c.hub.BroadcastToRoom(room, events.Typing, TypingPayload{
			ConversationID: id.String(),
			IsTyping:       req.IsTyping,
			UserID:         c.Identity.SubjectID,
			UserName:       c.Identity.DisplayName,
		}, c)
		if err != nil {
			log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to relay typing event")
		}

	default:
		c.replyError("unknown_event", "unsupported event "+f.Event)
	}
}

// conversationRoom decodes a join/leave payload into its room name. Rooms of
// any other kind cannot be requested by clients.
func (c *Connection) conversationRoom(data json.RawMessage) (string, string, bool) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.replyError("bad_payload", "expected {\"conversationId\"}")
		return "", "", false
	}
	id, err := uuid.Parse(req.ConversationID)
	if err != nil {
		c.replyError("bad_payload", "conversationId must be a UUID")
		return "", "", false
	}
	return events.ConversationRoom(id), id.String(), true
}
