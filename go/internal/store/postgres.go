package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/dbconfig"
	"github.com/jurisnexo/relay/go/internal/models"
	"github.com/jurisnexo/relay/go/internal/sqlutil"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Gateway on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	db   dbtx
}

// Connect opens a pool using cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg dbconfig.Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.Timeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.Timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("database", poolCfg.ConnConfig.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("connected to postgres")

	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

// Pool exposes the underlying pool for tooling (seeding, migrations).
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InTx implements Gateway. Nested calls reuse the outer transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Gateway) error) error {
	if _, ok := p.db.(pgx.Tx); ok {
		return fn(p)
	}
	return sqlutil.Run(ctx, p.pool,
		func(tx pgx.Tx) Gateway { return &Postgres{pool: p.pool, db: tx} },
		fn,
	)
}

const fetchQueuedMessagesSQL = `
SELECT id, tenant_id, conversation_id, content, status, created_at, updated_at
FROM crm_messages
WHERE status = 'QUEUED' AND direction = 'OUTBOUND'
ORDER BY created_at ASC, id ASC
LIMIT $1`

func (p *Postgres) FetchQueuedMessages(ctx context.Context, limit int) ([]models.OutboundMessage, error) {
	rows, err := p.db.Query(ctx, fetchQueuedMessagesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queued messages: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Body, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status models.MessageStatus) error {
	if !models.MessageStatusQueued.CanTransitionTo(status) {
		return fmt.Errorf("%w: QUEUED -> %s", ErrInvalidTransition, status)
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE crm_messages SET status = $2, updated_at = now() WHERE id = $1 AND status = 'QUEUED'`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrMoved(ctx, "crm_messages", id)
	}
	return nil
}

const fetchPendingMeetingsSQL = `
SELECT m.id, m.tenant_id, m.conversation_id, m.start_time, m.mode, m.location,
       m.meet_link, m.google_event_id, m.status, m.created_at, m.updated_at,
       COALESCE(ct.name, ''), COALESCE(ct.phone, '')
FROM crm_meetings m
JOIN crm_conversations c ON c.id = m.conversation_id
LEFT JOIN crm_contacts ct ON ct.id = c.contact_id
WHERE m.status = 'PENDING'
ORDER BY m.created_at ASC, m.id ASC
LIMIT $1`

func (p *Postgres) FetchPendingMeetings(ctx context.Context, limit int) ([]models.PendingMeeting, error) {
	rows, err := p.db.Query(ctx, fetchPendingMeetingsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending meetings: %w", err)
	}
	defer rows.Close()

	var out []models.PendingMeeting
	for rows.Next() {
		var (
			pm        models.PendingMeeting
			link, ref sql.NullString
		)
		if err := rows.Scan(
			&pm.ID, &pm.TenantID, &pm.ConversationID, &pm.StartTime, &pm.Mode, &pm.Location,
			&link, &ref, &pm.Status, &pm.CreatedAt, &pm.UpdatedAt,
			&pm.Contact.Name, &pm.Contact.Phone,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending meeting: %w", err)
		}
		pm.MeetLink = sqlutil.FromSqlStringPtr(link)
		pm.ExternalEventRef = sqlutil.FromSqlStringPtr(ref)
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateMeetingConfirmed(ctx context.Context, id uuid.UUID, externalRef, link string) error {
	if externalRef == "" {
		return fmt.Errorf("%w: confirmation requires an external event reference", ErrInvalidTransition)
	}
	tag, err := p.db.Exec(ctx, `
UPDATE crm_meetings
SET status = 'CONFIRMED', google_event_id = $2, meet_link = COALESCE($3, meet_link), updated_at = now()
WHERE id = $1 AND status = 'PENDING'`,
		id, externalRef, sqlutil.NonEmptySqlString(link))
	if err != nil {
		return fmt.Errorf("failed to confirm meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrMoved(ctx, "crm_meetings", id)
	}
	return nil
}

func (p *Postgres) InsertMessage(ctx context.Context, tenantID, conversationID uuid.UUID, body string, status models.MessageStatus) (*models.OutboundMessage, error) {
	m := models.OutboundMessage{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Body:           body,
		Status:         status,
	}
	err := p.db.QueryRow(ctx, `
INSERT INTO crm_messages (id, tenant_id, conversation_id, direction, content, status)
VALUES ($1, $2, $3, 'OUTBOUND', $4, $5)
RETURNING created_at, updated_at`,
		m.ID, m.TenantID, m.ConversationID, m.Body, string(m.Status),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return &m, nil
}

func (p *Postgres) InsertAuditEvent(ctx context.Context, event models.NewAuditEvent) (*models.AuditEvent, error) {
	ev := models.AuditEvent{
		ID:         uuid.New(),
		TenantID:   event.TenantID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Action:     event.Action,
		Payload:    event.Payload,
	}
	err := p.db.QueryRow(ctx, `
INSERT INTO crm_audit_logs (id, tenant_id, entity_type, entity_id, action, new_value)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`,
		ev.ID, ev.TenantID, string(ev.EntityType), ev.EntityID, string(ev.Action),
		sqlutil.ToNullRawMessage(ev.Payload),
	).Scan(&ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit event: %w", err)
	}
	return &ev, nil
}

const fetchBreachCandidatesSQL = `
SELECT id, tenant_id, urgency, status, last_message_at, first_human_reply_at
FROM crm_conversations
WHERE urgency = 'PLANTAO'
  AND status = 'OPEN'
  AND first_human_reply_at IS NULL
  AND last_message_at < $1
ORDER BY last_message_at ASC`

func (p *Postgres) FetchBreachCandidates(ctx context.Context, staleBefore time.Time) ([]models.Conversation, error) {
	rows, err := p.db.Query(ctx, fetchBreachCandidatesSQL, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch breach candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var (
			c       models.Conversation
			replied sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Urgency, &c.Status, &c.LastMessageAt, &replied); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.FirstHumanReplyAt = sqlutil.FromSqlTime(replied)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ExistsRecentAuditEvent(ctx context.Context, entityID uuid.UUID, action models.AuditAction, since time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM crm_audit_logs
    WHERE entity_id = $1 AND action = $2 AND created_at > $3
)`, entityID, string(action), since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check audit log: %w", err)
	}
	return exists, nil
}

// CountQueuedMessages reports the outbound backlog for health checks.
func (p *Postgres) CountQueuedMessages(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM crm_messages WHERE status = 'QUEUED' AND direction = 'OUTBOUND'`,
	).Scan(&n)
	return n, err
}

// missingOrMoved distinguishes an absent row from one whose status already moved on.
func (p *Postgres) missingOrMoved(ctx context.Context, table string, id uuid.UUID) error {
	var one int
	err := p.db.QueryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

var _ Backend = (*Postgres)(nil)
