package models

import (
	"time"

	"github.com/google/uuid"
)

// Urgency is the urgency tier of a conversation.
type Urgency string

const (
	UrgencyNormal Urgency = "NORMAL"
	// UrgencyOnCall is the on-call ("plantão") tier watched by the SLA watchdog.
	UrgencyOnCall Urgency = "PLANTAO"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationStatusOpen    ConversationStatus = "OPEN"
	ConversationStatusPending ConversationStatus = "PENDING"
	ConversationStatusClosed  ConversationStatus = "CLOSED"
)

// Conversation is the long-lived aggregate messages and meetings belong to.
type Conversation struct {
	ID                uuid.UUID          `json:"id"`
	TenantID          uuid.UUID          `json:"tenant_id"`
	Urgency           Urgency            `json:"urgency"`
	Status            ConversationStatus `json:"status"`
	LastMessageAt     time.Time          `json:"last_message_at"`
	FirstHumanReplyAt *time.Time         `json:"first_human_reply_at,omitempty"`
}

// IsBreachCandidate reports whether the conversation is an unanswered on-call
// conversation whose last message is older than staleBefore.
func (c Conversation) IsBreachCandidate(staleBefore time.Time) bool {
	return c.Urgency == UrgencyOnCall &&
		c.Status == ConversationStatusOpen &&
		c.FirstHumanReplyAt == nil &&
		c.LastMessageAt.Before(staleBefore)
}
