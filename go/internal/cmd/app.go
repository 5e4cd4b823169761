package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/calendar"
	"github.com/jurisnexo/relay/go/internal/config"
	"github.com/jurisnexo/relay/go/internal/delivery"
	"github.com/jurisnexo/relay/go/internal/events"
	"github.com/jurisnexo/relay/go/internal/meeting"
	"github.com/jurisnexo/relay/go/internal/natsutil"
	"github.com/jurisnexo/relay/go/internal/realtime"
	"github.com/jurisnexo/relay/go/internal/sla"
	"github.com/jurisnexo/relay/go/internal/store"
	"github.com/jurisnexo/relay/go/internal/worker"
)

// app holds the long-lived resources of one process. Constructors add a
// matching close func so shutdown releases them in reverse order.
type app struct {
	cfg   config.Config
	clock clockwork.Clock

	store   store.Backend
	nc      *nats.Conn
	runners []*worker.Runner

	closers []func()
}

func newApp(cfg config.Config) *app {
	return &app{cfg: cfg, clock: clockwork.NewRealClock()}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = store.NewMemory(a.clock)
		log.Warn().Msg("using in-memory store, data is lost on exit")
	default:
		pg, err := store.Connect(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		a.store = pg
	}
	a.onClose(a.store.Close)
	return nil
}

// connectNATS is a no-op when no NATS URL is configured.
func (a *app) connectNATS(name string) error {
	if !a.cfg.NATS.Enabled() {
		log.Info().Msg("NATS not configured, using in-process transports")
		return nil
	}
	nc, err := natsutil.Connect(a.cfg.NATS.URL, name)
	if err != nil {
		return err
	}
	a.nc = nc
	a.onClose(func() {
		if err := nc.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain NATS connection")
		}
	})
	return nil
}

func (a *app) sendStream() natsutil.StreamConfig {
	sc := delivery.DefaultSendStreamConfig()
	sc.Name = a.cfg.NATS.Stream
	sc.SubjectPrefix = a.cfg.NATS.SendSubject
	return sc
}

func (a *app) eventStream() natsutil.StreamConfig {
	sc := events.DefaultStreamConfig()
	sc.Name = a.cfg.NATS.EventStream
	sc.SubjectPrefix = a.cfg.NATS.EventSubject
	return sc
}

func (a *app) sender(ctx context.Context) (delivery.Sender, error) {
	if a.nc == nil {
		return delivery.LogSender{}, nil
	}
	return delivery.NewJetStreamSender(ctx, a.nc, a.sendStream())
}

// eventPublisher is used by workers running without an in-process gateway.
func (a *app) eventPublisher(ctx context.Context) (events.Publisher, error) {
	if a.nc == nil {
		return events.Nop{}, nil
	}
	return events.NewJetStreamPublisher(ctx, a.nc, a.eventStream())
}

func (a *app) booker(ctx context.Context, loc *time.Location) (calendar.Booker, error) {
	c := a.cfg.Calendar
	if c.Provider != "google" {
		return calendar.NewSimulated(c.MeetBaseURL), nil
	}
	return calendar.NewGoogle(ctx, calendar.GoogleConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RefreshToken: c.RefreshToken,
		CalendarID:   c.CalendarID,
		BaseURL:      c.BaseURL,
		Location:     loc,
	})
}

func (a *app) alerter() (sla.Alerter, error) {
	c := a.cfg.SLA
	if c.SlackToken == "" {
		return sla.LogAlerter{}, nil
	}
	return sla.NewSlackAlerter(c.SlackToken, c.SlackChannel)
}

func (a *app) locker() (sla.Locker, error) {
	c := a.cfg.SLA
	if c.LockAddr == "" {
		return nil, nil
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{c.LockAddr}})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.onClose(client.Close)
	return sla.NewRedisLocker(client, c.LockKey), nil
}

// buildWorkers creates one runner per enabled worker. publisher receives the
// realtime events the workers emit.
func (a *app) buildWorkers(ctx context.Context, publisher events.Publisher) error {
	if a.cfg.Delivery.Enabled {
		if err := a.buildDelivery(ctx, publisher); err != nil {
			return fmt.Errorf("delivery worker: %w", err)
		}
	}
	if a.cfg.Meeting.Enabled {
		if err := a.buildMeeting(ctx, publisher); err != nil {
			return fmt.Errorf("meeting worker: %w", err)
		}
	}
	if a.cfg.SLA.Enabled {
		if err := a.buildWatchdog(publisher); err != nil {
			return fmt.Errorf("sla watchdog: %w", err)
		}
	}
	return nil
}

func (a *app) addRunner(name, schedule string, task worker.Task) (*worker.Runner, error) {
	sched, err := worker.ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	r := worker.NewRunner(name, sched, task, worker.WithClock(a.clock), worker.WithImmediateTick())
	a.runners = append(a.runners, r)
	return r, nil
}

func (a *app) buildDelivery(ctx context.Context, publisher events.Publisher) error {
	sender, err := a.sender(ctx)
	if err != nil {
		return err
	}
	w := delivery.NewWorker(a.store, sender, publisher, a.clock, delivery.Config{
		BatchSize:   a.cfg.Delivery.BatchSize,
		SendTimeout: a.cfg.Delivery.SendTimeout,
	})
	runner, err := a.addRunner("delivery", a.cfg.Delivery.Schedule, w)
	if err != nil {
		return err
	}

	if !a.cfg.Delivery.Listen || a.cfg.Store.Driver != "postgres" {
		return nil
	}
	lcfg := delivery.DefaultListenerConfig()
	lcfg.DatabaseURL = a.cfg.Database.DSN()
	lcfg.NotifyChannel = store.QueuedNotifyChannel
	listener, err := delivery.NewListener(runner, lcfg)
	if err != nil {
		return err
	}
	go func() {
		if err := listener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("queued message listener stopped")
		}
	}()
	return nil
}

func (a *app) buildMeeting(ctx context.Context, publisher events.Publisher) error {
	loc, err := time.LoadLocation(a.cfg.Meeting.TimeZone)
	if err != nil {
		return err
	}
	booker, err := a.booker(ctx, loc)
	if err != nil {
		return err
	}
	w := meeting.NewWorker(a.store, booker, publisher, a.clock, meeting.Config{
		BatchSize:   a.cfg.Meeting.BatchSize,
		Concurrency: a.cfg.Meeting.Concurrency,
		BookTimeout: a.cfg.Meeting.BookTimeout,
		Location:    loc,
	})
	_, err = a.addRunner("meeting", a.cfg.Meeting.Schedule, w)
	return err
}

func (a *app) buildWatchdog(publisher events.Publisher) error {
	alerter, err := a.alerter()
	if err != nil {
		return err
	}
	locker, err := a.locker()
	if err != nil {
		return err
	}
	cfg := sla.DefaultConfig()
	cfg.StaleAfter = a.cfg.SLA.StaleAfter
	cfg.Cooldown = a.cfg.SLA.Cooldown
	cfg.AlertTimeout = a.cfg.SLA.AlertTimeout

	w := sla.NewWatchdog(a.store, alerter, publisher, locker, a.clock, cfg)
	_, err = a.addRunner("sla", a.cfg.SLA.Schedule, w)
	return err
}

func (a *app) startRunners(ctx context.Context) error {
	for _, r := range a.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
		r := r
		a.onClose(func() {
			if err := r.Stop(); err != nil {
				log.Warn().Err(err).Str("worker", r.Name()).Msg("failed to stop worker")
			}
		})
	}
	return nil
}

func (a *app) realtimeService(ctx context.Context, consume bool) (*realtime.Service, error) {
	verifier, err := realtime.NewJWTVerifier(a.cfg.Gateway.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w (set JWT_SECRET)", err)
	}
	connCfg := realtime.DefaultConnectionConfig()
	connCfg.CheckOrigin = realtime.OriginChecker(a.cfg.Gateway.AllowedOrigins)

	svc := realtime.NewService(verifier, connCfg)
	if consume && a.nc != nil {
		ccfg := realtime.DefaultConsumerConfig()
		ccfg.Stream = a.eventStream()
		ccfg.ConsumerName = a.cfg.NATS.Consumer + "-" + shortID()
		ec, err := realtime.NewEventConsumer(ctx, a.nc, svc.Hub, ccfg)
		if err != nil {
			return nil, err
		}
		svc.WithConsumer(ec)
	}
	return svc, nil
}
