package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jurisnexo/relay/go/internal/dbconfig"
	"github.com/jurisnexo/relay/go/internal/models"
)

func newTestPostgres(t *testing.T) (*Postgres, models.Conversation) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := Connect(ctx, dbconfig.Config{URL: dsn, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	if err := p.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	tenantID := uuid.New()
	contactID, err := p.CreateContact(ctx, tenantID, models.ConversationContact{Name: "Maria", Phone: "+5511999990000"})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := p.CreateConversation(ctx, models.Conversation{
		TenantID:      tenantID,
		Urgency:       models.UrgencyNormal,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: time.Now(),
	}, &contactID)
	if err != nil {
		t.Fatal(err)
	}
	return p, conv
}

func TestPostgresMessageStatusGuard(t *testing.T) {
	ctx := context.Background()
	p, conv := newTestPostgres(t)

	msg, err := p.InsertMessage(ctx, conv.TenantID, conv.ID, "Olá", models.MessageStatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := p.FetchQueuedMessages(ctx, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range queued {
		if m.ID == msg.ID {
			found = m.Body == "Olá" && m.TenantID == conv.TenantID
		}
	}
	if !found {
		t.Fatal("inserted message missing from the queue")
	}

	if err := p.UpdateMessageStatus(ctx, msg.ID, models.MessageStatusSent); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := p.UpdateMessageStatus(ctx, msg.ID, models.MessageStatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second update: got %v, want ErrInvalidTransition", err)
	}
	if err := p.UpdateMessageStatus(ctx, uuid.New(), models.MessageStatusSent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
	if err := p.UpdateMessageStatus(ctx, msg.ID, models.MessageStatusQueued); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("back to QUEUED: got %v, want ErrInvalidTransition", err)
	}
}

func TestPostgresMeetingConfirmGuard(t *testing.T) {
	ctx := context.Background()
	p, conv := newTestPostgres(t)

	mt, err := p.CreateMeeting(ctx, models.Meeting{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		StartTime:      time.Now().Add(time.Hour),
		Mode:           models.MeetingModeRemote,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.UpdateMeetingConfirmed(ctx, mt.ID, "", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("empty ref: got %v, want ErrInvalidTransition", err)
	}
	if err := p.UpdateMeetingConfirmed(ctx, mt.ID, "evt-1", "https://meet.google.com/abc"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := p.UpdateMeetingConfirmed(ctx, mt.ID, "evt-2", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second confirm: got %v, want ErrInvalidTransition", err)
	}
	if err := p.UpdateMeetingConfirmed(ctx, uuid.New(), "evt-3", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}

	pending, err := p.FetchPendingMeetings(ctx, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	for _, pm := range pending {
		if pm.ID == mt.ID {
			t.Fatal("confirmed meeting still listed as pending")
		}
	}

	var ref, link string
	if err := p.Pool().QueryRow(ctx,
		`SELECT google_event_id, meet_link FROM crm_meetings WHERE id = $1`, mt.ID,
	).Scan(&ref, &link); err != nil {
		t.Fatal(err)
	}
	if ref != "evt-1" || link != "https://meet.google.com/abc" {
		t.Fatalf("stored ref=%q link=%q", ref, link)
	}
}

func TestPostgresEventRefRequiresConfirmed(t *testing.T) {
	ctx := context.Background()
	p, conv := newTestPostgres(t)

	mt, err := p.CreateMeeting(ctx, models.Meeting{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		StartTime:      time.Now().Add(time.Hour),
		Mode:           models.MeetingModeInPerson,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		sql  string
	}{
		{"confirmed without ref", `UPDATE crm_meetings SET status = 'CONFIRMED' WHERE id = $1`},
		{"ref while pending", `UPDATE crm_meetings SET google_event_id = 'evt' WHERE id = $1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Pool().Exec(ctx, tt.sql, mt.ID)
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) || pgErr.ConstraintName != "crm_meetings_event_ref_iff_confirmed" {
				t.Fatalf("expected check violation, got %v", err)
			}
		})
	}
}

func TestPostgresInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	p, conv := newTestPostgres(t)

	var inserted uuid.UUID
	boom := errors.New("boom")
	err := p.InTx(ctx, func(tx Gateway) error {
		msg, err := tx.InsertMessage(ctx, conv.TenantID, conv.ID, "rolled back", models.MessageStatusQueued)
		if err != nil {
			return err
		}
		inserted = msg.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v", err)
	}
	if err := p.UpdateMessageStatus(ctx, inserted, models.MessageStatusSent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back message: got %v, want ErrNotFound", err)
	}
}

func TestPostgresBreachCandidatesAndAudit(t *testing.T) {
	ctx := context.Background()
	p, conv := newTestPostgres(t)
	now := time.Now()

	stale, err := p.CreateConversation(ctx, models.Conversation{
		TenantID:      conv.TenantID,
		Urgency:       models.UrgencyOnCall,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: now.Add(-10 * time.Minute),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	candidates, err := p.FetchBreachCandidates(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == conv.ID {
			t.Fatal("normal-urgency conversation listed as a breach candidate")
		}
		found = found || c.ID == stale.ID
	}
	if !found {
		t.Fatal("stale on-call conversation missing from candidates")
	}

	if _, err := p.InsertAuditEvent(ctx, models.NewAuditEvent{
		TenantID:   stale.TenantID,
		EntityType: models.EntityTypeConversation,
		EntityID:   stale.ID,
		Action:     models.AuditActionSLABreach,
		Payload:    []byte(`{"reason":"test"}`),
	}); err != nil {
		t.Fatal(err)
	}
	recent, err := p.ExistsRecentAuditEvent(ctx, stale.ID, models.AuditActionSLABreach, now.Add(-time.Hour))
	if err != nil || !recent {
		t.Fatalf("recent breach: exists=%v err=%v", recent, err)
	}
	recent, err = p.ExistsRecentAuditEvent(ctx, stale.ID, models.AuditActionAlertSent, now.Add(-time.Hour))
	if err != nil || recent {
		t.Fatalf("other action: exists=%v err=%v", recent, err)
	}
}
