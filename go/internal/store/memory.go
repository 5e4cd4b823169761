package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jurisnexo/relay/go/internal/models"
)

// Memory is an in-process Gateway used for local runs and tests. It keeps the
// same status guards and transactional behaviour as Postgres.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memConversation struct {
	models.Conversation
	ContactID *uuid.UUID
}

type memState struct {
	clock         clockwork.Clock
	contacts      map[uuid.UUID]models.ConversationContact
	conversations map[uuid.UUID]memConversation
	messages      []models.OutboundMessage
	meetings      []models.Meeting
	audit         []models.AuditEvent
}

// NewMemory returns an empty store stamping rows with clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{state: &memState{
		clock:         clock,
		contacts:      make(map[uuid.UUID]models.ConversationContact),
		conversations: make(map[uuid.UUID]memConversation),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		clock:         s.clock,
		contacts:      make(map[uuid.UUID]models.ConversationContact, len(s.contacts)),
		conversations: make(map[uuid.UUID]memConversation, len(s.conversations)),
		messages:      slices.Clone(s.messages),
		meetings:      slices.Clone(s.meetings),
		audit:         slices.Clone(s.audit),
	}
	for k, v := range s.contacts {
		c.contacts[k] = v
	}
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	return c
}

// ---- seeding and inspection ----

// AddContact stores a contact and returns its id.
func (m *Memory) AddContact(contact models.ConversationContact) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.state.contacts[id] = contact
	return id
}

// AddConversation stores c, optionally linked to a contact added with AddContact.
func (m *Memory) AddConversation(c models.Conversation, contactID *uuid.UUID) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.state.conversations[c.ID] = memConversation{Conversation: c, ContactID: contactID}
	return c
}

// AddMeeting stores mt, stamping missing ids and timestamps.
func (m *Memory) AddMeeting(mt models.Meeting) models.Meeting {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt.ID == uuid.Nil {
		mt.ID = uuid.New()
	}
	if mt.Status == "" {
		mt.Status = models.MeetingStatusPending
	}
	now := m.state.clock.Now()
	if mt.CreatedAt.IsZero() {
		mt.CreatedAt = now
	}
	mt.UpdatedAt = now
	m.state.meetings = append(m.state.meetings, mt)
	return mt
}

// Messages returns a copy of every stored message in insertion order.
func (m *Memory) Messages() []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.messages)
}

// Message returns one message by id.
func (m *Memory) Message(id uuid.UUID) (models.OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.state.messageIndex(id)
	if i < 0 {
		return models.OutboundMessage{}, false
	}
	return m.state.messages[i], true
}

// Meeting returns one meeting by id.
func (m *Memory) Meeting(id uuid.UUID) (models.Meeting, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.state.meetingIndex(id)
	if i < 0 {
		return models.Meeting{}, false
	}
	return m.state.meetings[i], true
}

// AuditEvents returns a copy of the audit log in append order.
func (m *Memory) AuditEvents() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

// ---- Gateway ----

func (m *Memory) FetchQueuedMessages(ctx context.Context, limit int) ([]models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FetchQueuedMessages(ctx, limit)
}

func (m *Memory) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status models.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateMessageStatus(ctx, id, status)
}

func (m *Memory) FetchPendingMeetings(ctx context.Context, limit int) ([]models.PendingMeeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FetchPendingMeetings(ctx, limit)
}

func (m *Memory) UpdateMeetingConfirmed(ctx context.Context, id uuid.UUID, externalRef, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateMeetingConfirmed(ctx, id, externalRef, link)
}

func (m *Memory) InsertMessage(ctx context.Context, tenantID, conversationID uuid.UUID, body string, status models.MessageStatus) (*models.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertMessage(ctx, tenantID, conversationID, body, status)
}

func (m *Memory) InsertAuditEvent(ctx context.Context, event models.NewAuditEvent) (*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertAuditEvent(ctx, event)
}

func (m *Memory) FetchBreachCandidates(ctx context.Context, staleBefore time.Time) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FetchBreachCandidates(ctx, staleBefore)
}

func (m *Memory) ExistsRecentAuditEvent(ctx context.Context, entityID uuid.UUID, action models.AuditAction, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ExistsRecentAuditEvent(ctx, entityID, action, since)
}

// InTx holds the store lock for the whole of fn and restores the prior state
// if fn fails.
func (m *Memory) InTx(ctx context.Context, fn func(tx Gateway) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CountQueuedMessages(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.state.messages {
		if msg.Status == models.MessageStatusQueued {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() {}

// ---- unlocked state operations, also the tx view ----

func (s *memState) messageIndex(id uuid.UUID) int {
	return slices.IndexFunc(s.messages, func(m models.OutboundMessage) bool { return m.ID == id })
}

func (s *memState) meetingIndex(id uuid.UUID) int {
	return slices.IndexFunc(s.meetings, func(m models.Meeting) bool { return m.ID == id })
}

func (s *memState) FetchQueuedMessages(_ context.Context, limit int) ([]models.OutboundMessage, error) {
	var out []models.OutboundMessage
	for _, msg := range s.messages {
		if msg.Status == models.MessageStatusQueued {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) UpdateMessageStatus(_ context.Context, id uuid.UUID, status models.MessageStatus) error {
	i := s.messageIndex(id)
	if i < 0 {
		return ErrNotFound
	}
	msg := &s.messages[i]
	if !msg.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, status)
	}
	msg.Status = status
	msg.UpdatedAt = s.clock.Now()
	return nil
}

func (s *memState) FetchPendingMeetings(_ context.Context, limit int) ([]models.PendingMeeting, error) {
	var out []models.PendingMeeting
	for _, mt := range s.meetings {
		if mt.Status != models.MeetingStatusPending {
			continue
		}
		conv, ok := s.conversations[mt.ConversationID]
		if !ok {
			continue
		}
		pm := models.PendingMeeting{Meeting: mt}
		if conv.ContactID != nil {
			pm.Contact = s.contacts[*conv.ContactID]
		}
		out = append(out, pm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) UpdateMeetingConfirmed(_ context.Context, id uuid.UUID, externalRef, link string) error {
	if externalRef == "" {
		return fmt.Errorf("%w: confirmation requires an external event reference", ErrInvalidTransition)
	}
	i := s.meetingIndex(id)
	if i < 0 {
		return ErrNotFound
	}
	mt := &s.meetings[i]
	if mt.Status != models.MeetingStatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mt.Status, models.MeetingStatusConfirmed)
	}
	mt.Status = models.MeetingStatusConfirmed
	mt.ExternalEventRef = &externalRef
	if link != "" {
		mt.MeetLink = &link
	}
	mt.UpdatedAt = s.clock.Now()
	return nil
}

func (s *memState) InsertMessage(_ context.Context, tenantID, conversationID uuid.UUID, body string, status models.MessageStatus) (*models.OutboundMessage, error) {
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	now := s.clock.Now()
	msg := models.OutboundMessage{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Body:           body,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *memState) InsertAuditEvent(_ context.Context, event models.NewAuditEvent) (*models.AuditEvent, error) {
	ev := models.AuditEvent{
		ID:         uuid.New(),
		TenantID:   event.TenantID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Action:     event.Action,
		Payload:    slices.Clone(event.Payload),
		CreatedAt:  s.clock.Now(),
	}
	s.audit = append(s.audit, ev)
	return &ev, nil
}

func (s *memState) FetchBreachCandidates(_ context.Context, staleBefore time.Time) ([]models.Conversation, error) {
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.IsBreachCandidate(staleBefore) {
			out = append(out, c.Conversation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
	return out, nil
}

func (s *memState) ExistsRecentAuditEvent(_ context.Context, entityID uuid.UUID, action models.AuditAction, since time.Time) (bool, error) {
	for i := len(s.audit) - 1; i >= 0; i-- {
		ev := s.audit[i]
		if ev.EntityID == entityID && ev.Action == action && ev.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// InTx on the tx view runs fn in the enclosing transaction.
func (s *memState) InTx(_ context.Context, fn func(tx Gateway) error) error {
	return fn(s)
}

var (
	_ Backend = (*Memory)(nil)
	_ Gateway = (*memState)(nil)
)
