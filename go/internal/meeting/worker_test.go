package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jurisnexo/relay/go/internal/calendar"
	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
	"github.com/jurisnexo/relay/go/internal/store"
)

type fixture struct {
	mem   *store.Memory
	clock *clockwork.FakeClock
	conv  models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	contact := mem.AddContact(models.ConversationContact{Name: "Maria", Phone: "+5511999990000"})
	conv := mem.AddConversation(models.Conversation{
		TenantID:      uuid.New(),
		Urgency:       models.UrgencyNormal,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: clock.Now(),
	}, &contact)
	return &fixture{mem: mem, clock: clock, conv: conv}
}

func (f *fixture) addMeeting(mode models.MeetingMode, location string) models.Meeting {
	m := f.mem.AddMeeting(models.Meeting{
		TenantID:       f.conv.TenantID,
		ConversationID: f.conv.ID,
		StartTime:      f.clock.Now().Add(time.Hour),
		Mode:           mode,
		Location:       location,
	})
	f.clock.Advance(time.Second)
	return m
}

func (f *fixture) auditFor(id uuid.UUID, action models.AuditAction) []models.AuditEvent {
	var out []models.AuditEvent
	for _, ev := range f.mem.AuditEvents() {
		if ev.EntityID == id && ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

type stubBooker struct {
	mu    sync.Mutex
	calls int
	fail  map[uuid.UUID]error
}

func (b *stubBooker) BookSlot(ctx context.Context, m models.PendingMeeting) (models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.fail[m.ID]; err != nil {
		return models.Booking{}, err
	}
	return calendar.NewSimulated("https://meet.example").BookSlot(ctx, m)
}

type auditFails struct{ store.Gateway }

func (auditFails) InsertAuditEvent(context.Context, models.NewAuditEvent) (*models.AuditEvent, error) {
	return nil, errors.New("disk full")
}

type failingAuditStore struct{ *store.Memory }

func (s failingAuditStore) InTx(ctx context.Context, fn func(tx store.Gateway) error) error {
	return s.Memory.InTx(ctx, func(tx store.Gateway) error { return fn(auditFails{tx}) })
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func TestMeetingConfirmation(t *testing.T) {
	f := newFixture(t)
	mt := f.addMeeting(models.MeetingModeRemote, "Google Meet")
	pub := &recordingPublisher{}
	cfg := DefaultConfig()

	res := NewWorker(f.mem, &stubBooker{}, pub, f.clock, cfg).ProcessBatch(context.Background())
	if res.Confirmed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := f.mem.Meeting(mt.ID)
	if got.Status != models.MeetingStatusConfirmed || got.ExternalEventRef == nil || *got.ExternalEventRef == "" {
		t.Fatalf("meeting not confirmed: %+v", got)
	}
	if got.MeetLink == nil || !strings.HasPrefix(*got.MeetLink, "https://meet.example/") {
		t.Fatalf("remote meeting without link: %v", got.MeetLink)
	}

	msgs := f.mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one queued message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Status != models.MessageStatusQueued || msg.ConversationID != f.conv.ID || msg.TenantID != f.conv.TenantID {
		t.Fatalf("unexpected message: %+v", msg)
	}
	for _, want := range []string{"Agendamento Confirmado", "01/03/2024 10:00", "Remoto: Google Meet", *got.MeetLink, "Maria"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("message body missing %q:\n%s", want, msg.Body)
		}
	}

	audit := f.auditFor(mt.ID, models.AuditActionCalendarEventCreated)
	if len(audit) != 1 {
		t.Fatalf("expected one audit event, got %d", len(audit))
	}
	var payload map[string]string
	if err := json.Unmarshal(audit[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["google_event_id"] != *got.ExternalEventRef {
		t.Fatalf("audit payload = %v", payload)
	}
	if audit[0].TenantID != f.conv.TenantID || audit[0].EntityType != models.EntityTypeMeeting {
		t.Fatalf("audit event = %+v", audit[0])
	}

	if len(pub.envs) != 3 {
		t.Fatalf("expected 3 realtime events, got %d", len(pub.envs))
	}
	if pub.envs[0].Event != events.MessageNew || pub.envs[0].Room != events.ConversationRoom(f.conv.ID) {
		t.Fatalf("first event = %+v", pub.envs[0])
	}

	// Nothing left to do on the next tick.
	res = NewWorker(f.mem, &stubBooker{}, pub, f.clock, cfg).ProcessBatch(context.Background())
	if res.Fetched != 0 {
		t.Fatalf("confirmed meeting was refetched: %+v", res)
	}
}

func TestMeetingBookingFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	bad := f.addMeeting(models.MeetingModeInPerson, "Escritório")
	good := f.addMeeting(models.MeetingModeInPerson, "Escritório")
	booker := &stubBooker{fail: map[uuid.UUID]error{bad.ID: errors.New("calendar unavailable")}}

	res := NewWorker(f.mem, booker, nil, f.clock, DefaultConfig()).ProcessBatch(context.Background())
	if res.Confirmed != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	gotBad, _ := f.mem.Meeting(bad.ID)
	if gotBad.Status != models.MeetingStatusPending || gotBad.ExternalEventRef != nil {
		t.Fatalf("failed meeting changed: %+v", gotBad)
	}
	gotGood, _ := f.mem.Meeting(good.ID)
	if gotGood.Status != models.MeetingStatusConfirmed {
		t.Fatal("second meeting should be confirmed despite the first failing")
	}
	if len(f.auditFor(bad.ID, models.AuditActionCalendarEventCreated)) != 0 {
		t.Fatal("failed meeting got an audit event")
	}

	// Retried on the next tick once the calendar recovers.
	delete(booker.fail, bad.ID)
	res = NewWorker(f.mem, booker, nil, f.clock, DefaultConfig()).ProcessBatch(context.Background())
	if res.Fetched != 1 || res.Confirmed != 1 {
		t.Fatalf("retry result: %+v", res)
	}
}

func TestMeetingTransactionFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	mt := f.addMeeting(models.MeetingModeRemote, "")

	res := NewWorker(failingAuditStore{f.mem}, &stubBooker{}, nil, f.clock, DefaultConfig()).ProcessBatch(context.Background())
	if res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := f.mem.Meeting(mt.ID)
	if got.Status != models.MeetingStatusPending || got.ExternalEventRef != nil {
		t.Fatalf("meeting confirmed without its audit event: %+v", got)
	}
	if n := len(f.mem.Messages()); n != 0 {
		t.Fatalf("confirmation message leaked out of a failed transaction: %d", n)
	}

	// The retry books the same event reference and completes.
	NewWorker(f.mem, &stubBooker{}, nil, f.clock, DefaultConfig()).ProcessBatch(context.Background())
	got, _ = f.mem.Meeting(mt.ID)
	if got.Status != models.MeetingStatusConfirmed || *got.ExternalEventRef != "sim_"+calendar.EventID(mt.ID) {
		t.Fatalf("retry result: %+v", got)
	}
	if len(f.auditFor(mt.ID, models.AuditActionCalendarEventCreated)) != 1 {
		t.Fatal("expected exactly one audit event after retry")
	}
}

func TestMeetingConcurrentBatch(t *testing.T) {
	f := newFixture(t)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.addMeeting(models.MeetingModeInPerson, "Sala 2").ID)
	}
	cfg := DefaultConfig()
	cfg.Concurrency = 3

	res := NewWorker(f.mem, &stubBooker{}, nil, f.clock, cfg).ProcessBatch(context.Background())
	if res.Confirmed != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, id := range ids {
		if got, _ := f.mem.Meeting(id); got.Status != models.MeetingStatusConfirmed {
			t.Fatalf("meeting %s not confirmed", id)
		}
		if len(f.auditFor(id, models.AuditActionCalendarEventCreated)) != 1 {
			t.Fatalf("meeting %s audit count wrong", id)
		}
	}
	if n := len(f.mem.Messages()); n != 5 {
		t.Fatalf("expected 5 messages, got %d", n)
	}
}

func TestComposeConfirmation(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	m := models.PendingMeeting{
		Meeting: models.Meeting{
			StartTime: time.Date(2024, 3, 5, 17, 30, 0, 0, time.UTC),
			Mode:      models.MeetingModeInPerson,
			Location:  "Av. Paulista, 1000",
		},
	}
	got := ComposeConfirmation(m, "", loc)
	want := "Agendamento Confirmado! ✅\n\n📅 05/03/2024 14:30\n📍 Presencial: Av. Paulista, 1000"
	if got != want {
		t.Fatalf("ComposeConfirmation =\n%q\nwant\n%q", got, want)
	}
}
