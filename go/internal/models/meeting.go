package models

import (
	"time"

	"github.com/google/uuid"
)

// MeetingStatus defines the confirmation status of a meeting.
type MeetingStatus string

const (
	MeetingStatusPending   MeetingStatus = "PENDING"
	MeetingStatusConfirmed MeetingStatus = "CONFIRMED"
	MeetingStatusFailed    MeetingStatus = "FAILED"
)

// MeetingMode defines how a meeting takes place.
type MeetingMode string

const (
	MeetingModeRemote   MeetingMode = "REMOTE"
	MeetingModeInPerson MeetingMode = "IN_PERSON"
)

// RequiresLink reports whether the mode needs a virtual meeting link.
func (m MeetingMode) RequiresLink() bool {
	return m == MeetingModeRemote
}

// Meeting is a scheduled meeting attached to a conversation.
// ExternalEventRef is set if and only if Status is CONFIRMED.
type Meeting struct {
	ID               uuid.UUID     `json:"id"`
	TenantID         uuid.UUID     `json:"tenant_id"`
	ConversationID   uuid.UUID     `json:"conversation_id"`
	StartTime        time.Time     `json:"start_time"`
	Mode             MeetingMode   `json:"mode"`
	Location         string        `json:"location"`
	MeetLink         *string       `json:"meet_link,omitempty"`
	ExternalEventRef *string       `json:"google_event_id,omitempty"`
	Status           MeetingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ConversationContact holds the contact display fields joined at read time.
type ConversationContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// PendingMeeting is a meeting row together with its conversation's contact.
type PendingMeeting struct {
	Meeting
	Contact ConversationContact `json:"contact"`
}

// Booking is what a calendar collaborator returns for a reserved slot.
type Booking struct {
	ExternalEventRef string
	MeetLink         string
}
