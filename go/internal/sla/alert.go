package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Alert describes one breached conversation.
type Alert struct {
	TenantID       uuid.UUID
	ConversationID uuid.UUID
	LastMessageAt  time.Time
	StaleFor       time.Duration
	Reason         string
}

// Alerter notifies the administrators of a tenant.
type Alerter interface {
	Provider() string
	NotifyTenantAdmins(ctx context.Context, tenantID uuid.UUID, subject string, alert Alert) error
}

// LogAlerter only logs. Used when no alert channel is configured.
type LogAlerter struct{}

func (LogAlerter) Provider() string { return "log" }

func (LogAlerter) NotifyTenantAdmins(_ context.Context, tenantID uuid.UUID, subject string, alert Alert) error {
	log.Warn().
		Str("tenant_id", tenantID.String()).
		Str("conversation_id", alert.ConversationID.String()).
		Dur("stale_for", alert.StaleFor).
		Str("subject", subject).
		Msg("SLA alert")
	return nil
}

// slackClient abstracts the Slack API method we use, enabling test doubles.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAlerter posts breach alerts to a Slack channel watched by tenant admins.
type SlackAlerter struct {
	client    slackClient
	channelID string
}

func NewSlackAlerter(token, channelID string, opts ...slack.Option) (*SlackAlerter, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("slack: token and channel are required")
	}
	return &SlackAlerter{client: slack.New(token, opts...), channelID: channelID}, nil
}

func (a *SlackAlerter) Provider() string { return "slack" }

func (a *SlackAlerter) NotifyTenantAdmins(ctx context.Context, tenantID uuid.UUID, subject string, alert Alert) error {
	attachment := slack.Attachment{
		Color: "danger",
		Title: subject,
		Text:  alert.Reason,
		Fields: []slack.AttachmentField{
			{Title: "Tenant", Value: tenantID.String(), Short: true},
			{Title: "Conversation", Value: alert.ConversationID.String(), Short: true},
			{Title: "Last message", Value: alert.LastMessageAt.UTC().Format(time.RFC3339), Short: true},
			{Title: "Waiting", Value: alert.StaleFor.Round(time.Second).String(), Short: true},
		},
	}
	_, ts, err := a.client.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionText(subject, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	log.Debug().Str("channel", a.channelID).Str("ts", ts).Msg("posted SLA alert to slack")
	return nil
}
