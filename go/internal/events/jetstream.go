package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/natsutil"
)

// DefaultStreamConfig is the event stream. Events are ephemeral so retention is short.
func DefaultStreamConfig() natsutil.StreamConfig {
	return natsutil.StreamConfig{
		Name:            "RELAY_EVENTS",
		Description:     "Realtime events relayed to the websocket gateway",
		SubjectPrefix:   "relay.events",
		MaxAge:          10 * time.Minute,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Subject maps a room to "<prefix>.<kind>.<id>".
func Subject(prefix, room string) string {
	return prefix + "." + strings.Replace(room, ":", ".", 1)
}

// JetStreamPublisher publishes envelopes onto the event stream.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	config natsutil.StreamConfig
}

func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg natsutil.StreamConfig) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := natsutil.EnsureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &JetStreamPublisher{js: js, config: cfg}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := Subject(p.config.SubjectPrefix, env.Room)
	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{env.Event},
			"Room":       []string{env.Room},
		},
	},
		jetstream.WithMsgID(env.ID.String()),
		jetstream.WithExpectStream(p.config.Name),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event", env.Event).
		Uint64("sequence", ack.Sequence).
		Msg("published realtime event")
	return nil
}
