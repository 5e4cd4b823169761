// Package store is the gateway to the relational store. The workers only ever
// talk to it through the Gateway contract; Postgres and Memory implement it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jurisnexo/relay/go/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned when a status write would move an
	// entity backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Gateway is the full read/write contract the background core depends on.
// Worker queries are not tenant filtered; every write carries the tenant of
// the row it was derived from.
type Gateway interface {
	FetchQueuedMessages(ctx context.Context, limit int) ([]models.OutboundMessage, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status models.MessageStatus) error
	FetchPendingMeetings(ctx context.Context, limit int) ([]models.PendingMeeting, error)
	UpdateMeetingConfirmed(ctx context.Context, id uuid.UUID, externalRef, link string) error
	InsertMessage(ctx context.Context, tenantID, conversationID uuid.UUID, body string, status models.MessageStatus) (*models.OutboundMessage, error)
	InsertAuditEvent(ctx context.Context, event models.NewAuditEvent) (*models.AuditEvent, error)
	FetchBreachCandidates(ctx context.Context, staleBefore time.Time) ([]models.Conversation, error)
	ExistsRecentAuditEvent(ctx context.Context, entityID uuid.UUID, action models.AuditAction, since time.Time) (bool, error)

	// InTx runs fn against a Gateway bound to a single transaction. If fn
	// returns an error nothing fn wrote is kept.
	InTx(ctx context.Context, fn func(tx Gateway) error) error
}

// Backend is a Gateway that can also report on its own health.
type Backend interface {
	Gateway
	Seeder
	Ping(ctx context.Context) error
	CountQueuedMessages(ctx context.Context) (int, error)
	Close()
}
