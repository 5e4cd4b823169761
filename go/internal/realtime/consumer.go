package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/natsutil"
)

// ConsumerConfig holds configuration for the JetStream event consumer.
type ConsumerConfig struct {
	Stream            natsutil.StreamConfig
	ConsumerName      string
	MaxDeliver        int
	AckWait           time.Duration
	MaxAckPending     int
	InactiveThreshold time.Duration
}

// DefaultConsumerConfig names the consumer per process: every gateway
// instance must see every event because each holds its own sockets.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Stream:            events.DefaultStreamConfig(),
		ConsumerName:      "relay-gateway-" + uuid.NewString()[:8],
		MaxDeliver:        3,
		AckWait:           10 * time.Second,
		MaxAckPending:     500,
		InactiveThreshold: 5 * time.Minute,
	}
}

// EventConsumer relays envelopes published by the workers into the hub.
type EventConsumer struct {
	hub      *Hub
	consumer jetstream.Consumer
	config   ConsumerConfig
}

func NewEventConsumer(ctx context.Context, nc *nats.Conn, hub *Hub, cfg ConsumerConfig) (*EventConsumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	stream, err := natsutil.EnsureStream(ctx, js, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:              cfg.ConsumerName,
		Description:       "Realtime gateway websocket relay",
		FilterSubject:     cfg.Stream.SubjectPrefix + ".>",
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		MaxDeliver:        cfg.MaxDeliver,
		AckWait:           cfg.AckWait,
		MaxAckPending:     cfg.MaxAckPending,
		InactiveThreshold: cfg.InactiveThreshold,
		ReplayPolicy:      jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", cfg.ConsumerName).
		Str("stream", cfg.Stream.Name).
		Msg("created JetStream consumer")

	return &EventConsumer{hub: hub, consumer: consumer, config: cfg}, nil
}

// Start consumes until ctx is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.Stream.Name).
		Msg("starting JetStream event consumer")

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		if err := ec.handleEnvelope(msg.Data()); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable event")
			if termErr := msg.Term(); termErr != nil {
				log.Error().Err(termErr).Msg("failed to TERM message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

// handleEnvelope decodes one stream message and queues it on the hub. Errors
// mean the message can never be relayed and should not be redelivered.
func (ec *EventConsumer) handleEnvelope(data []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if env.Event == "" {
		return fmt.Errorf("envelope %s has no event name", env.ID)
	}
	if _, _, err := events.ParseRoom(env.Room); err != nil {
		return err
	}

	log.Debug().
		Str("event_id", env.ID.String()).
		Str("event", env.Event).
		Str("room", env.Room).
		Msg("relaying JetStream event")

	return ec.hub.Relay(env)
}
