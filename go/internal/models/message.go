package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus defines the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusQueued MessageStatus = "QUEUED"
	MessageStatusSent   MessageStatus = "SENT"
	MessageStatusFailed MessageStatus = "FAILED"
)

// IsTerminal reports whether no further automatic transition leaves this status.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// CanTransitionTo reports whether s -> next is an allowed delivery transition.
// Only QUEUED -> SENT and QUEUED -> FAILED are valid.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	return s == MessageStatusQueued && next.IsTerminal()
}

// MessageDirection mirrors the direction column of the messages table.
type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "INBOUND"
	MessageDirectionOutbound MessageDirection = "OUTBOUND"
)

// OutboundMessage is a message waiting for (or done with) delivery by the delivery worker.
type OutboundMessage struct {
	ID             uuid.UUID     `json:"id"`
	TenantID       uuid.UUID     `json:"tenant_id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Body           string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Target returns the addressing information handed to a send collaborator.
func (m OutboundMessage) Target() ConversationTarget {
	return ConversationTarget{
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
	}
}

// ConversationTarget addresses one outbound send. MessageID doubles as an idempotency key.
type ConversationTarget struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
}
