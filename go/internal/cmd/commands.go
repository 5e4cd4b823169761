package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jurisnexo/relay/go/internal/health"
	"github.com/jurisnexo/relay/go/internal/store"
)

func shortID() string {
	return uuid.NewString()[:8]
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and the realtime gateway in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a := newApp(opts.cfg)
			defer a.Close()

			if err := a.openStore(ctx); err != nil {
				return err
			}
			if seed {
				if err := seedDemo(ctx, a.store, uuid.New()); err != nil {
					return err
				}
			}
			if err := a.connectNATS("relay-serve"); err != nil {
				return err
			}

			// Workers publish straight into the local hub; no stream hop.
			svc, err := a.realtimeService(ctx, false)
			if err != nil {
				return err
			}
			svc.Start(ctx)
			a.onClose(svc.Stop)

			if err := a.buildWorkers(ctx, svc); err != nil {
				return err
			}
			if err := a.startRunners(ctx); err != nil {
				return err
			}

			checker := a.healthChecker().WithHub(svc.Hub)
			mux := http.NewServeMux()
			svc.Handler.RegisterRoutes(mux)
			checker.RegisterRoutes(mux)

			log.Info().
				Int("port", opts.cfg.Gateway.Port).
				Int("workers", len(a.runners)).
				Str("store", opts.cfg.Store.Driver).
				Msg("relay serving")

			return serve(ctx, setupServer(opts.cfg.Gateway.Port, opts.cfg.Gateway.AllowedOrigins, mux))
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "insert demo data at startup (useful with STORE_DRIVER=memory)")
	return cmd
}

func newWorkersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Run the delivery, meeting and SLA workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a := newApp(opts.cfg)
			defer a.Close()

			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.connectNATS("relay-workers"); err != nil {
				return err
			}
			publisher, err := a.eventPublisher(ctx)
			if err != nil {
				return err
			}
			if err := a.buildWorkers(ctx, publisher); err != nil {
				return err
			}
			if len(a.runners) == 0 {
				return fmt.Errorf("no workers enabled")
			}
			if err := a.startRunners(ctx); err != nil {
				return err
			}

			mux := http.NewServeMux()
			a.healthChecker().RegisterRoutes(mux)
			return serve(ctx, setupServer(opts.cfg.Health.Port, opts.cfg.Gateway.AllowedOrigins, mux))
		},
	}
}

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the realtime websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a := newApp(opts.cfg)
			defer a.Close()

			if err := a.connectNATS("relay-gateway"); err != nil {
				return err
			}
			if a.nc == nil {
				log.Warn().Msg("gateway without NATS only sees events from its own process")
			}
			svc, err := a.realtimeService(ctx, true)
			if err != nil {
				return err
			}
			svc.Start(ctx)
			a.onClose(svc.Stop)

			checker := health.NewChecker(nil, a.clock, health.DefaultConfig()).WithHub(svc.Hub)
			if a.nc != nil {
				checker.WithNATS(a.nc)
			}
			mux := http.NewServeMux()
			svc.Handler.RegisterRoutes(mux)
			checker.RegisterRoutes(mux)

			return serve(ctx, setupServer(opts.cfg.Gateway.Port, opts.cfg.Gateway.AllowedOrigins, mux))
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), store.Schema())
				return nil
			}
			pg, err := store.Connect(cmd.Context(), opts.cfg.Database)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo tenant with a queued message, a pending meeting and a stale on-call conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := uuid.New()
			if tenant != "" {
				id, err := uuid.Parse(tenant)
				if err != nil {
					return fmt.Errorf("--tenant: %w", err)
				}
				tenantID = id
			}

			pg, err := store.Connect(cmd.Context(), opts.cfg.Database)
			if err != nil {
				return err
			}
			defer pg.Close()

			return seedDemo(cmd.Context(), pg, tenantID)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id to seed (default: random)")
	return cmd
}

func seedDemo(ctx context.Context, s store.Seeder, tenantID uuid.UUID) error {
	demo, err := store.SeedDemo(ctx, s, tenantID, time.Now())
	if err != nil {
		return err
	}
	log.Info().
		Str("tenant_id", demo.TenantID.String()).
		Str("conversation_id", demo.ConversationID.String()).
		Str("urgent_conversation_id", demo.UrgentConversationID.String()).
		Str("message_id", demo.MessageID.String()).
		Str("meeting_id", demo.MeetingID.String()).
		Msg("demo data seeded")
	return nil
}

func (a *app) healthChecker() *health.Checker {
	checker := health.NewChecker(a.store, a.clock, health.DefaultConfig())
	if a.nc != nil {
		checker.WithNATS(a.nc)
	}
	for _, r := range a.runners {
		checker.WithRunners(r)
	}
	return checker
}
