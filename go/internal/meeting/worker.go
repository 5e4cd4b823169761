// Package meeting confirms pending meetings against the external calendar and
// queues the confirmation message for the delivery worker.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jurisnexo/relay/go/internal/calendar"
	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
	"github.com/jurisnexo/relay/go/internal/store"
)

// Store is the part of the store gateway the meeting worker needs.
type Store interface {
	FetchPendingMeetings(ctx context.Context, limit int) ([]models.PendingMeeting, error)
	InTx(ctx context.Context, fn func(tx store.Gateway) error) error
}

type Config struct {
	BatchSize   int
	Concurrency int
	BookTimeout time.Duration
	Location    *time.Location
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   5,
		Concurrency: 1,
		BookTimeout: 20 * time.Second,
		Location:    time.UTC,
	}
}

type Result struct {
	Fetched   int
	Confirmed int
	Failed    int
}

// Worker books each pending meeting and, in one transaction, confirms it,
// queues the confirmation message and appends the audit event. Any failure
// leaves the meeting PENDING for the next tick.
type Worker struct {
	store     Store
	booker    calendar.Booker
	publisher events.Publisher
	clock     clockwork.Clock
	config    Config
}

func NewWorker(s Store, booker calendar.Booker, publisher events.Publisher, clock clockwork.Clock, cfg Config) *Worker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		store:     s,
		booker:    booker,
		publisher: publisher,
		clock:     clock,
		config:    cfg,
	}
}

func (w *Worker) Tick(ctx context.Context) {
	w.ProcessBatch(ctx)
}

func (w *Worker) ProcessBatch(ctx context.Context) Result {
	meetings, err := w.store.FetchPendingMeetings(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch pending meetings")
		return Result{}
	}
	if len(meetings) == 0 {
		return Result{}
	}

	log.Info().Int("count", len(meetings)).Msg("processing pending meetings")

	var confirmed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(w.config.Concurrency)
	for _, m := range meetings {
		if ctx.Err() != nil {
			break
		}
		m := m
		g.Go(func() error {
			if err := w.confirm(ctx, m); err != nil {
				failed.Add(1)
				return nil
			}
			confirmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Fetched:   len(meetings),
		Confirmed: int(confirmed.Load()),
		Failed:    int(failed.Load()),
	}
	log.Info().
		Int("total", res.Fetched).
		Int("confirmed", res.Confirmed).
		Int("failed", res.Failed).
		Msg("processed pending meetings")
	return res
}

type auditPayload struct {
	GoogleEventID string `json:"google_event_id"`
	MeetLink      string `json:"meet_link,omitempty"`
}

func (w *Worker) confirm(ctx context.Context, m models.PendingMeeting) error {
	logger := log.With().
		Str("meeting_id", m.ID.String()).
		Str("tenant_id", m.TenantID.String()).
		Str("conversation_id", m.ConversationID.String()).
		Logger()

	if m.TenantID == uuid.Nil || m.ConversationID == uuid.Nil {
		err := errors.New("meeting without tenant or conversation")
		logger.Error().Err(err).Msg("skipping meeting")
		return err
	}

	booking, err := w.book(ctx, m)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to book calendar slot, meeting stays pending")
		return err
	}
	if booking.ExternalEventRef == "" {
		err := errors.New("calendar returned an empty event reference")
		logger.Error().Err(err).Msg("failed to book calendar slot, meeting stays pending")
		return err
	}
	if m.Mode.RequiresLink() && booking.MeetLink == "" {
		logger.Warn().Msg("remote meeting booked without a conference link")
	}

	body := ComposeConfirmation(m, booking.MeetLink, w.config.Location)
	payload, err := json.Marshal(auditPayload{GoogleEventID: booking.ExternalEventRef, MeetLink: booking.MeetLink})
	if err != nil {
		return err
	}

	var msg *models.OutboundMessage
	err = w.store.InTx(ctx, func(tx store.Gateway) error {
		if err := tx.UpdateMeetingConfirmed(ctx, m.ID, booking.ExternalEventRef, booking.MeetLink); err != nil {
			return fmt.Errorf("confirm meeting: %w", err)
		}
		var err error
		msg, err = tx.InsertMessage(ctx, m.TenantID, m.ConversationID, body, models.MessageStatusQueued)
		if err != nil {
			return fmt.Errorf("queue confirmation message: %w", err)
		}
		if _, err := tx.InsertAuditEvent(ctx, models.NewAuditEvent{
			TenantID:   m.TenantID,
			EntityType: models.EntityTypeMeeting,
			EntityID:   m.ID,
			Action:     models.AuditActionCalendarEventCreated,
			Payload:    payload,
		}); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("event_ref", booking.ExternalEventRef).Msg("failed to record confirmation, meeting stays pending")
		return err
	}

	w.emit(ctx, logger, m, *msg, booking)
	logger.Info().Str("event_ref", booking.ExternalEventRef).Msg("meeting confirmed and event created")
	return nil
}

func (w *Worker) book(ctx context.Context, m models.PendingMeeting) (models.Booking, error) {
	if w.config.BookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.BookTimeout)
		defer cancel()
	}
	return w.booker.BookSlot(ctx, m)
}

func (w *Worker) emit(ctx context.Context, logger zerolog.Logger, m models.PendingMeeting, msg models.OutboundMessage, booking models.Booking) {
	now := w.clock.Now()
	envs, err := events.NewMessage(m.TenantID, m.ConversationID, msg, now)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build realtime events")
		return
	}
	confirmed := m.Meeting
	confirmed.Status = models.MeetingStatusConfirmed
	confirmed.ExternalEventRef = &booking.ExternalEventRef
	if env, err := events.MeetingConfirmed(confirmed, now); err == nil {
		envs = append(envs, env)
	}
	events.PublishBestEffort(ctx, w.publisher, envs...)
}
