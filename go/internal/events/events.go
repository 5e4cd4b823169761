// Package events defines the realtime events the workers and the web layer hand
// to the gateway, and the transports that carry them across processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/models"
)

// Event names on the wire.
const (
	MessageNew          = "message.new"
	ConversationUpdated = "conversation.updated"
	Typing              = "typing"
	SLABreach           = "sla.breach"
)

const (
	tenantRoomPrefix       = "tenant:"
	conversationRoomPrefix = "conversation:"
)

func TenantRoom(tenantID uuid.UUID) string {
	return tenantRoomPrefix + tenantID.String()
}

func ConversationRoom(conversationID uuid.UUID) string {
	return conversationRoomPrefix + conversationID.String()
}

// ParseRoom splits "kind:id" and validates the id.
func ParseRoom(room string) (kind string, id uuid.UUID, err error) {
	kind, raw, ok := strings.Cut(room, ":")
	if !ok || (kind != "tenant" && kind != "conversation") {
		return "", uuid.Nil, fmt.Errorf("invalid room %q", room)
	}
	id, err = uuid.Parse(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid room %q: %w", room, err)
	}
	return kind, id, nil
}

// Envelope is one event addressed to one room.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Room       string          `json:"room"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func New(room, event string, data any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{
		ID:         uuid.New(),
		Room:       room,
		Event:      event,
		Data:       raw,
		OccurredAt: at.UTC(),
	}, nil
}

// MessagePayload is the body of message.new.
type MessagePayload struct {
	ConversationID uuid.UUID              `json:"conversationId"`
	Message        models.OutboundMessage `json:"message"`
}

// ConversationPayload is the body of conversation.updated. Only the fields
// relevant to the change are set.
type ConversationPayload struct {
	ConversationID uuid.UUID               `json:"conversationId"`
	LastMessage    *models.OutboundMessage `json:"lastMessage,omitempty"`
	LastMessageAt  *time.Time              `json:"lastMessageAt,omitempty"`
	MessageID      *uuid.UUID              `json:"messageId,omitempty"`
	MessageStatus  models.MessageStatus    `json:"messageStatus,omitempty"`
	MeetingID      *uuid.UUID              `json:"meetingId,omitempty"`
	MeetingStatus  models.MeetingStatus    `json:"meetingStatus,omitempty"`
}

// NewMessage builds message.new for the conversation room and
// conversation.updated for the tenant room.
func NewMessage(tenantID, conversationID uuid.UUID, msg models.OutboundMessage, at time.Time) ([]Envelope, error) {
	first, err := New(ConversationRoom(conversationID), MessageNew, MessagePayload{
		ConversationID: conversationID,
		Message:        msg,
	}, at)
	if err != nil {
		return nil, err
	}
	ts := at.UTC()
	second, err := New(TenantRoom(tenantID), ConversationUpdated, ConversationPayload{
		ConversationID: conversationID,
		LastMessage:    &msg,
		LastMessageAt:  &ts,
	}, at)
	if err != nil {
		return nil, err
	}
	return []Envelope{first, second}, nil
}

// MessageStatusChanged builds conversation.updated for a delivery outcome.
func MessageStatusChanged(msg models.OutboundMessage, status models.MessageStatus, at time.Time) (Envelope, error) {
	id := msg.ID
	return New(TenantRoom(msg.TenantID), ConversationUpdated, ConversationPayload{
		ConversationID: msg.ConversationID,
		MessageID:      &id,
		MessageStatus:  status,
	}, at)
}

// MeetingConfirmed builds conversation.updated for a confirmed meeting.
func MeetingConfirmed(m models.Meeting, at time.Time) (Envelope, error) {
	id := m.ID
	return New(TenantRoom(m.TenantID), ConversationUpdated, ConversationPayload{
		ConversationID: m.ConversationID,
		MeetingID:      &id,
		MeetingStatus:  models.MeetingStatusConfirmed,
	}, at)
}

// SLABreachPayload is the body of sla.breach.
type SLABreachPayload struct {
	ConversationID  uuid.UUID      `json:"conversationId"`
	Urgency         models.Urgency `json:"urgency"`
	LastMessageAt   time.Time      `json:"lastMessageAt"`
	StaleForSeconds int64          `json:"staleForSeconds"`
	Reason          string         `json:"reason"`
}

// SLABreachDetected builds sla.breach for the tenant room so connected staff
// see the breach without waiting for the out-of-band alert.
func SLABreachDetected(conv models.Conversation, staleFor time.Duration, reason string, at time.Time) (Envelope, error) {
	return New(TenantRoom(conv.TenantID), SLABreach, SLABreachPayload{
		ConversationID:  conv.ID,
		Urgency:         conv.Urgency,
		LastMessageAt:   conv.LastMessageAt.UTC(),
		StaleForSeconds: int64(staleFor / time.Second),
		Reason:          reason,
	}, at)
}

// Publisher hands envelopes to whatever delivers them to the gateway.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }

// PublishBestEffort publishes each envelope and only logs failures.
func PublishBestEffort(ctx context.Context, p Publisher, envs ...Envelope) {
	if p == nil {
		return
	}
	for _, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			log.Warn().
				Err(err).
				Str("event", env.Event).
				Str("room", env.Room).
				Msg("failed to publish realtime event")
		}
	}
}
