package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Waker is implemented by worker.Runner.
type Waker interface {
	Wake()
}

type ListenerConfig struct {
	DatabaseURL   string
	NotifyChannel string
	PingInterval  time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel: "outbound_messages_queued",
		PingInterval:  90 * time.Second,
	}
}

// Listener wakes the delivery runner as soon as Postgres notifies that a
// message was queued. The polling schedule remains the fallback.
type Listener struct {
	listener *pq.Listener
	waker    Waker
	cfg      ListenerConfig
}

func NewListener(waker Waker, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{listener: l, waker: waker, cfg: cfg}, nil
}

// Start blocks until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			l.handle(note)
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handle wakes the runner. A nil notification means the connection was
// re-established and notifications may have been lost, so it wakes as well.
func (l *Listener) handle(note *pq.Notification) {
	if note == nil {
		log.Debug().Msg("listener reconnected, waking delivery")
	} else {
		log.Debug().Str("message_id", note.Extra).Msg("message queued notification")
	}
	l.waker.Wake()
}
