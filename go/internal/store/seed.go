package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jurisnexo/relay/go/internal/models"
)

// Seeder creates the rows the workers only read. In production the request
// layer writes them; here they back `relay seed` and the memory driver.
type Seeder interface {
	CreateContact(ctx context.Context, tenantID uuid.UUID, contact models.ConversationContact) (uuid.UUID, error)
	CreateConversation(ctx context.Context, c models.Conversation, contactID *uuid.UUID) (models.Conversation, error)
	CreateMeeting(ctx context.Context, m models.Meeting) (models.Meeting, error)
	InsertMessage(ctx context.Context, tenantID, conversationID uuid.UUID, body string, status models.MessageStatus) (*models.OutboundMessage, error)
}

// Demo lists what SeedDemo created.
type Demo struct {
	TenantID             uuid.UUID
	ConversationID       uuid.UUID
	UrgentConversationID uuid.UUID
	MessageID            uuid.UUID
	MeetingID            uuid.UUID
}

// SeedDemo inserts one tenant with a queued message, a pending remote meeting
// an hour out, and an unanswered on-call conversation that is already stale.
func SeedDemo(ctx context.Context, s Seeder, tenantID uuid.UUID, now time.Time) (Demo, error) {
	demo := Demo{TenantID: tenantID}

	contactID, err := s.CreateContact(ctx, tenantID, models.ConversationContact{Name: "Maria Silva", Phone: "+5511999990000"})
	if err != nil {
		return demo, fmt.Errorf("seed contact: %w", err)
	}

	conv, err := s.CreateConversation(ctx, models.Conversation{
		TenantID:      tenantID,
		Urgency:       models.UrgencyNormal,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: now,
	}, &contactID)
	if err != nil {
		return demo, fmt.Errorf("seed conversation: %w", err)
	}
	demo.ConversationID = conv.ID

	msg, err := s.InsertMessage(ctx, tenantID, conv.ID, "Olá! Recebemos sua mensagem e retornaremos em breve.", models.MessageStatusQueued)
	if err != nil {
		return demo, fmt.Errorf("seed message: %w", err)
	}
	demo.MessageID = msg.ID

	mt, err := s.CreateMeeting(ctx, models.Meeting{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		StartTime:      now.Add(time.Hour).Truncate(time.Minute),
		Mode:           models.MeetingModeRemote,
		Location:       "Videochamada",
		Status:         models.MeetingStatusPending,
	})
	if err != nil {
		return demo, fmt.Errorf("seed meeting: %w", err)
	}
	demo.MeetingID = mt.ID

	urgent, err := s.CreateConversation(ctx, models.Conversation{
		TenantID:      tenantID,
		Urgency:       models.UrgencyOnCall,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: now.Add(-10 * time.Minute),
	}, &contactID)
	if err != nil {
		return demo, fmt.Errorf("seed on-call conversation: %w", err)
	}
	demo.UrgentConversationID = urgent.ID

	return demo, nil
}

// ---- Postgres ----

func (p *Postgres) CreateContact(ctx context.Context, tenantID uuid.UUID, contact models.ConversationContact) (uuid.UUID, error) {
	id := uuid.New()
	_, err := p.db.Exec(ctx,
		`INSERT INTO crm_contacts (id, tenant_id, name, phone) VALUES ($1, $2, $3, $4)`,
		id, tenantID, contact.Name, contact.Phone)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert contact: %w", err)
	}
	return id, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, c models.Conversation, contactID *uuid.UUID) (models.Conversation, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := p.db.Exec(ctx, `
INSERT INTO crm_conversations (id, tenant_id, contact_id, urgency, status, last_message_at, first_human_reply_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.TenantID, contactID, string(c.Urgency), string(c.Status), c.LastMessageAt, c.FirstHumanReplyAt)
	if err != nil {
		return c, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) CreateMeeting(ctx context.Context, m models.Meeting) (models.Meeting, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MeetingStatusPending
	}
	err := p.db.QueryRow(ctx, `
INSERT INTO crm_meetings (id, tenant_id, conversation_id, start_time, mode, location, meet_link, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`,
		m.ID, m.TenantID, m.ConversationID, m.StartTime, string(m.Mode), m.Location, m.MeetLink, string(m.Status),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, fmt.Errorf("failed to insert meeting: %w", err)
	}
	return m, nil
}

// ---- Memory ----

func (m *Memory) CreateContact(_ context.Context, _ uuid.UUID, contact models.ConversationContact) (uuid.UUID, error) {
	return m.AddContact(contact), nil
}

func (m *Memory) CreateConversation(_ context.Context, c models.Conversation, contactID *uuid.UUID) (models.Conversation, error) {
	return m.AddConversation(c, contactID), nil
}

func (m *Memory) CreateMeeting(_ context.Context, mt models.Meeting) (models.Meeting, error) {
	return m.AddMeeting(mt), nil
}
