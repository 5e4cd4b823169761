// Package delivery drains the outbound message queue.
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
)

// Store is the part of the store gateway the delivery worker needs.
type Store interface {
	FetchQueuedMessages(ctx context.Context, limit int) ([]models.OutboundMessage, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status models.MessageStatus) error
}

type Config struct {
	BatchSize   int
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   10,
		SendTimeout: 15 * time.Second,
	}
}

// Result summarizes one tick.
type Result struct {
	Fetched int
	Sent    int
	Failed  int
	Errors  int
	// Skipped counts sends cut short by cancellation; those stay QUEUED.
	Skipped int
}

var errSendInterrupted = errors.New("send interrupted by shutdown")

// Worker sends queued messages oldest first. A send failure is terminal: the
// message moves to FAILED and is never retried automatically.
type Worker struct {
	store     Store
	sender    Sender
	publisher events.Publisher
	clock     clockwork.Clock
	config    Config
}

func NewWorker(store Store, sender Sender, publisher events.Publisher, clock clockwork.Clock, cfg Config) *Worker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		store:     store,
		sender:    sender,
		publisher: publisher,
		clock:     clock,
		config:    cfg,
	}
}

func (w *Worker) Tick(ctx context.Context) {
	w.ProcessBatch(ctx)
}

// ProcessBatch runs one tick and reports what happened.
func (w *Worker) ProcessBatch(ctx context.Context) Result {
	var res Result

	msgs, err := w.store.FetchQueuedMessages(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch queued messages")
		res.Errors++
		return res
	}
	res.Fetched = len(msgs)
	if len(msgs) == 0 {
		return res
	}

	log.Debug().Int("count", len(msgs)).Msg("delivering queued messages")

	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Unprocessed messages stay QUEUED for the next run.
			break
		}
		status, err := w.deliver(ctx, msg)
		switch {
		case errors.Is(err, errSendInterrupted):
			res.Skipped++
		case err != nil:
			res.Errors++
		case status == models.MessageStatusSent:
			res.Sent++
		default:
			res.Failed++
		}
	}

	log.Info().
		Int("total", res.Fetched).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("errors", res.Errors).
		Int("skipped", res.Skipped).
		Msg("processed outbound messages")
	return res
}

func (w *Worker) deliver(ctx context.Context, msg models.OutboundMessage) (models.MessageStatus, error) {
	logger := log.With().
		Str("message_id", msg.ID.String()).
		Str("tenant_id", msg.TenantID.String()).
		Str("conversation_id", msg.ConversationID.String()).
		Logger()

	status := models.MessageStatusSent
	if strings.TrimSpace(msg.Body) == "" {
		logger.Error().Msg("queued message has an empty body, marking failed")
		status = models.MessageStatusFailed
	} else if err := w.send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			logger.Info().Err(err).Msg("send interrupted, leaving message queued")
			return "", errSendInterrupted
		}
		logger.Warn().Err(err).Msg("send failed, marking message failed")
		status = models.MessageStatusFailed
	}

	if err := w.store.UpdateMessageStatus(ctx, msg.ID, status); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to update message status")
		return status, err
	}

	if env, err := events.MessageStatusChanged(msg, status, w.clock.Now()); err == nil {
		events.PublishBestEffort(ctx, w.publisher, env)
	}
	return status, nil
}

func (w *Worker) send(ctx context.Context, msg models.OutboundMessage) error {
	sendCtx := ctx
	if w.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, w.config.SendTimeout)
		defer cancel()
	}
	err := w.sender.Send(sendCtx, msg.Target(), msg.Body)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(errors.New("send timed out"), err)
	}
	return err
}
