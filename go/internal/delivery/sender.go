package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/models"
	"github.com/jurisnexo/relay/go/internal/natsutil"
)

// Sender hands one outbound message to the transport that reaches the
// recipient. A nil error means the transport accepted it.
type Sender interface {
	Send(ctx context.Context, target models.ConversationTarget, body string) error
}

// LogSender accepts every message and only logs it. Used when no transport is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, target models.ConversationTarget, body string) error {
	log.Info().
		Str("message_id", target.MessageID.String()).
		Str("tenant_id", target.TenantID.String()).
		Str("conversation_id", target.ConversationID.String()).
		Int("length", len(body)).
		Msg("outbound message accepted by log sender")
	return nil
}

// DefaultSendStreamConfig is the stream channel adapters consume outbound sends from.
func DefaultSendStreamConfig() natsutil.StreamConfig {
	return natsutil.StreamConfig{
		Name:            "RELAY_OUTBOUND",
		Description:     "Outbound conversation messages awaiting channel delivery",
		SubjectPrefix:   "relay.outbound",
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Hour,
	}
}

// OutboundEnvelope is the JSON body published for each send.
type OutboundEnvelope struct {
	MessageID      string    `json:"message_id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
}

// JetStreamSender publishes sends to JetStream. The message id is the
// JetStream dedup id, so a repeated send inside the duplicate window is
// absorbed by the server.
type JetStreamSender struct {
	js     jetstream.JetStream
	config natsutil.StreamConfig
}

func NewJetStreamSender(ctx context.Context, nc *nats.Conn, cfg natsutil.StreamConfig) (*JetStreamSender, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := natsutil.EnsureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &JetStreamSender{js: js, config: cfg}, nil
}

func (s *JetStreamSender) Send(ctx context.Context, target models.ConversationTarget, body string) error {
	data, err := json.Marshal(OutboundEnvelope{
		MessageID:      target.MessageID.String(),
		TenantID:       target.TenantID.String(),
		ConversationID: target.ConversationID.String(),
		Body:           body,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", s.config.SubjectPrefix, target.TenantID)
	ack, err := s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Tenant-ID":       []string{target.TenantID.String()},
			"Conversation-ID": []string{target.ConversationID.String()},
			"Message-ID":      []string{target.MessageID.String()},
		},
	},
		jetstream.WithMsgID(target.MessageID.String()),
		jetstream.WithExpectStream(s.config.Name),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("message_id", target.MessageID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published outbound message")
	return nil
}
