package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/jurisnexo/relay/go/internal/models"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	linkAttempts   = 3
	linkRetryDelay = 500 * time.Millisecond
)

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	CalendarID   string
	BaseURL      string
	TokenURL     string
	Duration     time.Duration
	Location     *time.Location
}

// Google books events through the Calendar v3 REST API. The event id is
// derived from the meeting id, so a retry after a lost response finds the
// existing event instead of creating a second one.
type Google struct {
	client     *http.Client
	baseURL    string
	calendarID string
	duration   time.Duration
	location   *time.Location
	linkDelay  time.Duration
}

func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New("google calendar: oauth client id, secret and refresh token are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   googleAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"https://www.googleapis.com/auth/calendar.events"},
	}
	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return newGoogle(oauth2.NewClient(ctx, ts), cfg), nil
}

func newGoogle(client *http.Client, cfg GoogleConfig) *Google {
	g := &Google{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		calendarID: cfg.CalendarID,
		duration:   cfg.Duration,
		location:   cfg.Location,
		linkDelay:  linkRetryDelay,
	}
	if g.baseURL == "" {
		g.baseURL = "https://www.googleapis.com/calendar/v3"
	}
	if g.calendarID == "" {
		g.calendarID = "primary"
	}
	if g.duration <= 0 {
		g.duration = time.Hour
	}
	if g.location == nil {
		g.location = time.UTC
	}
	return g
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type conferenceSolutionKey struct {
	Type string `json:"type"`
}

type createRequest struct {
	RequestID             string                `json:"requestId"`
	ConferenceSolutionKey conferenceSolutionKey `json:"conferenceSolutionKey"`
}

type conferenceData struct {
	CreateRequest *createRequest `json:"createRequest,omitempty"`
}

type calendarEvent struct {
	ID             string          `json:"id"`
	Summary        string          `json:"summary,omitempty"`
	Description    string          `json:"description,omitempty"`
	Location       string          `json:"location,omitempty"`
	Start          *eventTime      `json:"start,omitempty"`
	End            *eventTime      `json:"end,omitempty"`
	ConferenceData *conferenceData `json:"conferenceData,omitempty"`
	HangoutLink    string          `json:"hangoutLink,omitempty"`
}

// StatusError is a non-2xx response from the Calendar API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("google calendar: status %d: %s", e.StatusCode, e.Body)
}

func (g *Google) BookSlot(ctx context.Context, meeting models.PendingMeeting) (models.Booking, error) {
	ev := g.buildEvent(meeting)

	created, err := g.insert(ctx, ev)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		log.Info().
			Str("meeting_id", meeting.ID.String()).
			Str("event_id", ev.ID).
			Msg("calendar event already exists, reusing it")
		created, err = g.get(ctx, ev.ID)
	}
	if err != nil {
		return models.Booking{}, err
	}
	if ev.ConferenceData != nil && created.HangoutLink == "" {
		created.HangoutLink = g.awaitLink(ctx, ev.ID)
	}

	b := models.Booking{ExternalEventRef: created.ID, MeetLink: created.HangoutLink}
	if meeting.MeetLink != nil && *meeting.MeetLink != "" {
		b.MeetLink = *meeting.MeetLink
	}
	return b, nil
}

// awaitLink re-reads the event until Calendar has attached the Meet link.
// Conference creation is asynchronous, so the insert response often lacks it.
func (g *Google) awaitLink(ctx context.Context, eventID string) string {
	logger := log.With().Str("event_id", eventID).Logger()
	for attempt := 1; attempt <= linkAttempts; attempt++ {
		if g.linkDelay > 0 {
			t := time.NewTimer(g.linkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ""
			case <-t.C:
			}
		}
		ev, err := g.get(ctx, eventID)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("failed to re-read calendar event for meet link")
			continue
		}
		if ev.HangoutLink != "" {
			return ev.HangoutLink
		}
	}
	logger.Warn().Int("attempts", linkAttempts).Msg("conference link still pending")
	return ""
}

func (g *Google) buildEvent(meeting models.PendingMeeting) calendarEvent {
	start := meeting.StartTime.In(g.location)
	tz := g.location.String()
	id := EventID(meeting.ID)

	summary := "Reunião"
	if meeting.Contact.Name != "" {
		summary = "Reunião - " + meeting.Contact.Name
	}

	ev := calendarEvent{
		ID:          id,
		Summary:     summary,
		Description: meeting.Contact.Phone,
		Location:    meeting.Location,
		Start:       &eventTime{DateTime: start.Format(time.RFC3339), TimeZone: tz},
		End:         &eventTime{DateTime: start.Add(g.duration).Format(time.RFC3339), TimeZone: tz},
	}
	if meeting.Mode.RequiresLink() && (meeting.MeetLink == nil || *meeting.MeetLink == "") {
		ev.ConferenceData = &conferenceData{CreateRequest: &createRequest{
			RequestID:             id,
			ConferenceSolutionKey: conferenceSolutionKey{Type: "hangoutsMeet"},
		}}
	}
	return ev
}

func (g *Google) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", g.baseURL, url.PathEscape(g.calendarID))
}

func (g *Google) insert(ctx context.Context, ev calendarEvent) (calendarEvent, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return calendarEvent{}, fmt.Errorf("marshal calendar event: %w", err)
	}
	u := g.eventsURL()
	if ev.ConferenceData != nil {
		u += "?conferenceDataVersion=1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return calendarEvent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *Google) get(ctx context.Context, eventID string) (calendarEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.eventsURL()+"/"+url.PathEscape(eventID), nil)
	if err != nil {
		return calendarEvent{}, err
	}
	return g.do(req)
}

func (g *Google) do(req *http.Request) (calendarEvent, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return calendarEvent{}, fmt.Errorf("google calendar: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return calendarEvent{}, fmt.Errorf("google calendar: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return calendarEvent{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var ev calendarEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return calendarEvent{}, fmt.Errorf("google calendar: decode response: %w", err)
	}
	if ev.ID == "" {
		return calendarEvent{}, errors.New("google calendar: response without event id")
	}
	return ev, nil
}
