package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jurisnexo/relay/go/internal/models"
)

func pendingMeeting(mode models.MeetingMode) models.PendingMeeting {
	return models.PendingMeeting{
		Meeting: models.Meeting{
			ID:             uuid.MustParse("0b6c9a6e-3f1d-4f43-8a0e-5d2b9c7e1f20"),
			TenantID:       uuid.New(),
			ConversationID: uuid.New(),
			StartTime:      time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC),
			Mode:           mode,
			Location:       "Av. Paulista, 1000",
			Status:         models.MeetingStatusPending,
		},
		Contact: models.ConversationContact{Name: "Maria", Phone: "+5511999990000"},
	}
}

func TestEventID(t *testing.T) {
	got := EventID(uuid.MustParse("0b6c9a6e-3f1d-4f43-8a0e-5d2b9c7e1f20"))
	if got != "0b6c9a6e3f1d4f438a0e5d2b9c7e1f20" {
		t.Fatalf("EventID = %q", got)
	}
}

func TestSimulatedIsStable(t *testing.T) {
	s := NewSimulated("https://meet.example/")
	m := pendingMeeting(models.MeetingModeRemote)

	first, err := s.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := s.BookSlot(context.Background(), m)
	if first != second {
		t.Fatalf("booking not stable: %+v vs %+v", first, second)
	}
	if !strings.HasPrefix(first.MeetLink, "https://meet.example/") || first.ExternalEventRef == "" {
		t.Fatalf("unexpected booking: %+v", first)
	}

	inPerson, _ := s.BookSlot(context.Background(), pendingMeeting(models.MeetingModeInPerson))
	if inPerson.MeetLink != "" {
		t.Fatalf("in-person meeting got a link: %q", inPerson.MeetLink)
	}

	existing := pendingMeeting(models.MeetingModeRemote)
	link := "https://zoom.example/j/1"
	existing.MeetLink = &link
	b, _ := s.BookSlot(context.Background(), existing)
	if b.MeetLink != link {
		t.Fatalf("existing link replaced: %q", b.MeetLink)
	}
}

type fakeGoogle struct {
	mu       sync.Mutex
	events   map[string]calendarEvent
	inserts  int
	gets     int
	fail     bool
	lastAuth string
	// pendingLink omits hangoutLink from the insert response, the way
	// Calendar answers while the conference is still being created.
	// linkAfterGets is how many GETs pass before the link shows up.
	pendingLink   bool
	linkAfterGets int
}

func (f *fakeGoogle) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("refresh_token") != "refresh" {
			http.Error(w, "bad refresh token", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		if f.fail {
			http.Error(w, `{"error":"backend"}`, http.StatusInternalServerError)
			return
		}
		var ev calendarEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.inserts++
		if _, ok := f.events[ev.ID]; ok {
			http.Error(w, `{"error":"duplicate"}`, http.StatusConflict)
			return
		}
		if ev.ConferenceData != nil {
			ev.HangoutLink = "https://meet.google.com/" + ev.ID[:10]
		}
		f.events[ev.ID] = ev
		if f.pendingLink {
			ev.HangoutLink = ""
		}
		_ = json.NewEncoder(w).Encode(ev)
	})
	mux.HandleFunc("/calendars/primary/events/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := strings.TrimPrefix(r.URL.Path, "/calendars/primary/events/")
		ev, ok := f.events[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.gets++
		if f.pendingLink && f.gets <= f.linkAfterGets {
			ev.HangoutLink = ""
		}
		_ = json.NewEncoder(w).Encode(ev)
	})
	return mux
}

func newTestGoogle(t *testing.T) (*Google, *fakeGoogle) {
	t.Helper()
	fake := &fakeGoogle{events: make(map[string]calendarEvent)}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	g, err := NewGoogle(context.Background(), GoogleConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
	})
	if err != nil {
		t.Fatal(err)
	}
	g.linkDelay = time.Millisecond
	return g, fake
}

func TestGoogleBookSlot(t *testing.T) {
	g, fake := newTestGoogle(t)
	m := pendingMeeting(models.MeetingModeRemote)

	b, err := g.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatalf("BookSlot: %v", err)
	}
	if b.ExternalEventRef != EventID(m.ID) {
		t.Fatalf("ref = %q", b.ExternalEventRef)
	}
	if b.MeetLink == "" {
		t.Fatal("remote meeting should get a conference link")
	}
	if fake.lastAuth != "Bearer access-1" {
		t.Fatalf("authorization header = %q", fake.lastAuth)
	}
	stored := fake.events[b.ExternalEventRef]
	if stored.Start == nil || stored.Start.DateTime != "2024-03-05T17:00:00Z" || stored.End.DateTime != "2024-03-05T18:00:00Z" {
		t.Fatalf("unexpected times: %+v %+v", stored.Start, stored.End)
	}
	if stored.Summary != "Reunião - Maria" {
		t.Fatalf("summary = %q", stored.Summary)
	}
}

func TestGoogleBookSlotIsIdempotent(t *testing.T) {
	g, fake := newTestGoogle(t)
	m := pendingMeeting(models.MeetingModeRemote)

	first, err := g.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatalf("retry should reuse the event: %v", err)
	}
	if first != second {
		t.Fatalf("retry returned a different booking: %+v vs %+v", first, second)
	}
	if len(fake.events) != 1 || fake.inserts != 2 {
		t.Fatalf("events=%d inserts=%d", len(fake.events), fake.inserts)
	}
}

func TestGoogleBookSlotWaitsForConferenceLink(t *testing.T) {
	g, fake := newTestGoogle(t)
	fake.pendingLink = true
	fake.linkAfterGets = 1
	m := pendingMeeting(models.MeetingModeRemote)

	b, err := g.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatalf("BookSlot: %v", err)
	}
	if b.MeetLink != "https://meet.google.com/"+EventID(m.ID)[:10] {
		t.Fatalf("meet link = %q", b.MeetLink)
	}
	if fake.gets != 2 {
		t.Fatalf("gets = %d, want 2", fake.gets)
	}
}

func TestGoogleBookSlotLinkNeverArrives(t *testing.T) {
	g, fake := newTestGoogle(t)
	fake.pendingLink = true
	fake.linkAfterGets = 100
	m := pendingMeeting(models.MeetingModeRemote)

	b, err := g.BookSlot(context.Background(), m)
	if err != nil {
		t.Fatalf("BookSlot: %v", err)
	}
	if b.MeetLink != "" || b.ExternalEventRef != EventID(m.ID) {
		t.Fatalf("unexpected booking: %+v", b)
	}
	if fake.gets != linkAttempts {
		t.Fatalf("gets = %d, want %d", fake.gets, linkAttempts)
	}
}

func TestGoogleInPersonSkipsLinkLookup(t *testing.T) {
	g, fake := newTestGoogle(t)
	fake.pendingLink = true

	if _, err := g.BookSlot(context.Background(), pendingMeeting(models.MeetingModeInPerson)); err != nil {
		t.Fatal(err)
	}
	if fake.gets != 0 {
		t.Fatalf("in-person booking re-read the event %d times", fake.gets)
	}
}

func TestGoogleBookSlotError(t *testing.T) {
	g, fake := newTestGoogle(t)
	fake.fail = true

	_, err := g.BookSlot(context.Background(), pendingMeeting(models.MeetingModeInPerson))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
}

func TestNewGoogleRequiresCredentials(t *testing.T) {
	if _, err := NewGoogle(context.Background(), GoogleConfig{ClientID: "x"}); err == nil {
		t.Fatal("expected error without credentials")
	}
}
