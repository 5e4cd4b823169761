package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of entity an audit event refers to.
type EntityType string

const (
	EntityTypeConversation EntityType = "CONVERSATION"
	EntityTypeMeeting      EntityType = "MEETING"
	EntityTypeMessage      EntityType = "MESSAGE"
)

// AuditAction tags what happened to the entity.
type AuditAction string

const (
	AuditActionSLABreach            AuditAction = "SLA_BREACH"
	AuditActionAlertSent            AuditAction = "ALERT_SENT"
	AuditActionCalendarEventCreated AuditAction = "CALENDAR_EVENT_CREATED"
)

// AuditEvent is an append-only fact. It is never updated or deleted.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Action     AuditAction     `json:"action"`
	Payload    json.RawMessage `json:"new_value,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAuditEvent holds the fields needed to append an audit event.
type NewAuditEvent struct {
	TenantID   uuid.UUID
	EntityType EntityType
	EntityID   uuid.UUID
	Action     AuditAction
	Payload    json.RawMessage
}
