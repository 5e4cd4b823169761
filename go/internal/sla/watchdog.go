// Package sla watches on-call conversations for a missing human reply and
// raises one deduplicated alert per cooldown window.
package sla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
)

// Store is the part of the store gateway the watchdog needs.
type Store interface {
	FetchBreachCandidates(ctx context.Context, staleBefore time.Time) ([]models.Conversation, error)
	ExistsRecentAuditEvent(ctx context.Context, entityID uuid.UUID, action models.AuditAction, since time.Time) (bool, error)
	InsertAuditEvent(ctx context.Context, event models.NewAuditEvent) (*models.AuditEvent, error)
}

type Config struct {
	StaleAfter   time.Duration
	Cooldown     time.Duration
	AlertTimeout time.Duration
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:   5 * time.Minute,
		Cooldown:     time.Hour,
		AlertTimeout: 15 * time.Second,
		LockTTL:      50 * time.Second,
	}
}

type Result struct {
	Candidates int
	Breaches   int
	Deduped    int
	AlertsSent int
	Errors     int
	Skipped    bool
}

// Watchdog assumes a single active instance. With a Locker configured,
// concurrent instances skip the tick instead of double alerting.
type Watchdog struct {
	store     Store
	alerter   Alerter
	publisher events.Publisher
	locker    Locker
	clock     clockwork.Clock
	config    Config
}

func NewWatchdog(store Store, alerter Alerter, publisher events.Publisher, locker Locker, clock clockwork.Clock, cfg Config) *Watchdog {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{
		store:     store,
		alerter:   alerter,
		publisher: publisher,
		locker:    locker,
		clock:     clock,
		config:    cfg,
	}
}

func (w *Watchdog) Tick(ctx context.Context) {
	w.Check(ctx)
}

func (w *Watchdog) Check(ctx context.Context) Result {
	var res Result

	if w.locker != nil {
		release, ok, err := w.locker.TryLock(ctx, w.config.LockTTL)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire watchdog lease, skipping tick")
			res.Skipped = true
			return res
		}
		if !ok {
			log.Debug().Msg("watchdog lease held elsewhere, skipping tick")
			res.Skipped = true
			return res
		}
		defer release(context.WithoutCancel(ctx))
	}

	now := w.clock.Now()
	threshold := now.Add(-w.config.StaleAfter)

	candidates, err := w.store.FetchBreachCandidates(ctx, threshold)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch SLA breach candidates")
		res.Errors++
		return res
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		return res
	}

	for _, conv := range candidates {
		if ctx.Err() != nil {
			break
		}
		w.checkConversation(ctx, conv, now, &res)
	}

	log.Info().
		Int("candidates", res.Candidates).
		Int("breaches", res.Breaches).
		Int("deduped", res.Deduped).
		Int("alerts_sent", res.AlertsSent).
		Int("errors", res.Errors).
		Msg("SLA check complete")
	return res
}

type breachPayload struct {
	Reason          string    `json:"reason"`
	LastMessageAt   time.Time `json:"last_message_at"`
	StaleForSeconds int64     `json:"stale_for_seconds"`
}

type alertPayload struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

func (w *Watchdog) checkConversation(ctx context.Context, conv models.Conversation, now time.Time, res *Result) {
	logger := log.With().
		Str("conversation_id", conv.ID.String()).
		Str("tenant_id", conv.TenantID.String()).
		Logger()

	recent, err := w.store.ExistsRecentAuditEvent(ctx, conv.ID, models.AuditActionSLABreach, now.Add(-w.config.Cooldown))
	if err != nil {
		logger.Error().Err(err).Msg("failed to check previous SLA breaches")
		res.Errors++
		return
	}
	if recent {
		res.Deduped++
		return
	}

	staleFor := now.Sub(conv.LastMessageAt)
	reason := fmt.Sprintf("No human reply > %s in %s", w.config.StaleAfter, conv.Urgency)
	logger.Warn().Dur("stale_for", staleFor).Msg("SLA breach detected")

	breach, err := json.Marshal(breachPayload{
		Reason:          reason,
		LastMessageAt:   conv.LastMessageAt.UTC(),
		StaleForSeconds: int64(staleFor / time.Second),
	})
	if err != nil {
		res.Errors++
		return
	}
	// The breach record is the dedup key; without it the alert would repeat every tick.
	if _, err := w.store.InsertAuditEvent(ctx, models.NewAuditEvent{
		TenantID:   conv.TenantID,
		EntityType: models.EntityTypeConversation,
		EntityID:   conv.ID,
		Action:     models.AuditActionSLABreach,
		Payload:    breach,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record SLA breach, alert not sent")
		res.Errors++
		return
	}
	res.Breaches++

	if env, err := events.SLABreachDetected(conv, staleFor, reason, now); err == nil {
		events.PublishBestEffort(ctx, w.publisher, env)
	}

	outcome := alertPayload{Provider: w.alerter.Provider(), Status: "sent"}
	if err := w.alert(ctx, conv, staleFor, reason); err != nil {
		logger.Error().Err(err).Msg("failed to notify tenant admins")
		outcome.Status = "failed"
		outcome.Error = err.Error()
	} else {
		res.AlertsSent++
	}

	payload, _ := json.Marshal(outcome)
	if _, err := w.store.InsertAuditEvent(ctx, models.NewAuditEvent{
		TenantID:   conv.TenantID,
		EntityType: models.EntityTypeConversation,
		EntityID:   conv.ID,
		Action:     models.AuditActionAlertSent,
		Payload:    payload,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record alert outcome")
		res.Errors++
	}
}

func (w *Watchdog) alert(ctx context.Context, conv models.Conversation, staleFor time.Duration, reason string) error {
	if w.config.AlertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.AlertTimeout)
		defer cancel()
	}
	subject := fmt.Sprintf("SLA breach: on-call conversation %s unanswered", conv.ID)
	return w.alerter.NotifyTenantAdmins(ctx, conv.TenantID, subject, Alert{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		LastMessageAt:  conv.LastMessageAt,
		StaleFor:       staleFor,
		Reason:         reason,
	})
}
