package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
)

// Hub is the room registry. It maps room names to the connections in them and
// fans frames out to every member.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
	conns map[*Connection]map[string]struct{}

	broadcastCh chan broadcast

	dropped atomic.Uint64
	evicted atomic.Uint64
}

type broadcast struct {
	room    string
	event   string
	frame   []byte
	exclude *Connection
}

// HubStats is served on /ws/stats and exported as metrics.
type HubStats struct {
	Connections int            `json:"total_connections"`
	Rooms       int            `json:"active_rooms"`
	RoomSizes   map[string]int `json:"room_connections,omitempty"`
	Dropped     uint64         `json:"dropped_broadcasts"`
	Evicted     uint64         `json:"evicted_connections"`
}

func NewHub() *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Connection]struct{}),
		conns:       make(map[*Connection]map[string]struct{}),
		broadcastCh: make(chan broadcast, 1000),
	}
}

// Start drains queued broadcasts until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("realtime hub shutting down")
			return
		case b := <-h.broadcastCh:
			h.deliver(b)
		}
	}
}

func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		h.conns[c] = make(map[string]struct{})
	}

	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", len(h.conns)).
		Msg("connection registered")
}

// Unregister removes the connection from every room. Calling it twice is a no-op.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.conns[c]
	if !ok {
		return
	}
	for room := range rooms {
		h.removeLocked(c, room)
	}
	delete(h.conns, c)

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.Identity.SubjectID).
		Str("tenant_id", c.Identity.TenantID.String()).
		Msg("connection unregistered")
}

// Join adds a registered connection to room. It reports false for a
// connection that is not (or no longer) registered.
func (h *Hub) Join(c *Connection, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.conns[c]
	if !ok {
		return false
	}
	rooms[room] = struct{}{}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Connection]struct{})
	}
	h.rooms[room][c] = struct{}{}
	return true
}

func (h *Hub) Leave(c *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *Connection, room string) {
	if rooms, ok := h.conns[c]; ok {
		delete(rooms, room)
	}
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) IsMember(c *Connection, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// Rooms lists the rooms a connection is in, sorted.
func (h *Hub) Rooms(c *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.conns[c]))
	for room := range h.conns[c] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// BroadcastToRoom queues event for every member of room except exclude.
func (h *Hub) BroadcastToRoom(room, event string, data any, exclude *Connection) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	h.enqueue(broadcast{room: room, event: event, frame: frame, exclude: exclude})
	return nil
}

// Relay queues an envelope produced elsewhere. Its data is forwarded as is.
func (h *Hub) Relay(env events.Envelope) error {
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Event, err)
	}
	h.enqueue(broadcast{room: env.Room, event: env.Event, frame: frame})
	return nil
}

func (h *Hub) enqueue(b broadcast) {
	select {
	case h.broadcastCh <- b:
	default:
		h.dropped.Add(1)
		log.Warn().Str("room", b.room).Str("event", b.event).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) deliver(b broadcast) {
	h.mu.RLock()
	members := h.rooms[b.room]
	targets := make([]*Connection, 0, len(members))
	for c := range members {
		if c != b.exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(b.frame) {
			log.Warn().
				Str("connection_id", c.ID).
				Str("user_id", c.Identity.SubjectID).
				Msg("connection send buffer full, closing connection")
			h.evicted.Add(1)
			h.Unregister(c)
			c.Close()
		}
	}

	log.Debug().
		Str("event", b.event).
		Str("room", b.room).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sizes := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		sizes[room] = len(members)
	}
	return HubStats{
		Connections: len(h.conns),
		Rooms:       len(h.rooms),
		RoomSizes:   sizes,
		Dropped:     h.dropped.Load(),
		Evicted:     h.evicted.Load(),
	}
}
