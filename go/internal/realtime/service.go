package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/models"
)

// Service wires the hub, the websocket handler and the optional stream
// consumer together.
type Service struct {
	Hub      *Hub
	Handler  *Handler
	consumer *EventConsumer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(verifier Verifier, cfg ConnectionConfig) *Service {
	hub := NewHub()
	return &Service{
		Hub:     hub,
		Handler: NewHandler(hub, verifier, cfg),
	}
}

// WithConsumer relays events from other processes through ec.
func (s *Service) WithConsumer(ec *EventConsumer) *Service {
	s.consumer = ec
	return s
}

func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Hub.Start(ctx)
	}()

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer stopped")
			}
		}()
	}

	log.Info().Bool("stream_consumer", s.consumer != nil).Msg("realtime service started")
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	log.Info().Msg("realtime service stopped")
}

// Publish relays an envelope to this process's sockets. It lets in-process
// workers use the service as their events.Publisher.
func (s *Service) Publish(_ context.Context, env events.Envelope) error {
	return s.Hub.Relay(env)
}

// EmitNewMessage pushes message.new to the conversation room and
// conversation.updated to the tenant room.
func (s *Service) EmitNewMessage(tenantID, conversationID uuid.UUID, msg models.OutboundMessage) error {
	envs, err := events.NewMessage(tenantID, conversationID, msg, time.Now())
	if err != nil {
		return fmt.Errorf("build message events: %w", err)
	}
	for _, env := range envs {
		if err := s.Hub.Relay(env); err != nil {
			return err
		}
	}
	return nil
}
