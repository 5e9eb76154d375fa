package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/care-relay/backend/internal/config"
	"github.com/zhouzirui/care-relay/backend/internal/handler"
	"github.com/zhouzirui/care-relay/backend/internal/handler/health"
	"github.com/zhouzirui/care-relay/backend/internal/model/identity"
	identityService "github.com/zhouzirui/care-relay/backend/internal/service/identity"
	"github.com/zhouzirui/care-relay/backend/internal/service/relay"
	"github.com/zhouzirui/care-relay/backend/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "care-relay",
		Short: "Real-time relay between caregivers and care recipients",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(newServeCommand(), newSeedCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			logger := setupLogger(cfg.App)
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	dataStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	checks := map[string]health.Pinger{"store": dataStore}
	hubOpts := []relay.Option{relay.WithLogger(logger)}

	if cfg.Redis.Enabled() {
		presence, err := store.NewRedisPresence(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without presence mirror")
		} else {
			defer presence.Close()
			// A fresh process starts with nobody connected.
			if err := presence.Reset(ctx); err != nil {
				logger.Warn().Err(err).Msg("reset presence mirror")
			}
			checks["redis"] = presence
			hubOpts = append(hubOpts, relay.WithObserver(presence))
		}
	} else {
		logger.Info().Msg("REDIS_URL not set, presence mirror disabled")
	}

	hub := relay.NewHub(hubOpts...)
	auth := identityService.NewAuthenticator(
		identityService.NewProfileResolver(dataStore),
		identityService.CookieNames{
			Caregiver: cfg.Session.CaregiverCookie,
			Recipient: cfg.Session.RecipientCookie,
		},
	)

	router := handler.NewRouter(handler.Dependencies{
		Store:    dataStore,
		Hub:      hub,
		Auth:     auth,
		Checks:   checks,
		Logger:   logger,
		Server:   cfg.Server,
		Sessions: cfg.Session,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Hijacked websocket connections are not closed by Shutdown.
	srv.RegisterOnShutdown(hub.CloseAll)

	logger.Info().Str("addr", cfg.Server.Addr).Str("env", cfg.App.Env).Msg("care relay listening")
	return runServer(ctx, srv, logger)
}

func runServer(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newSeedCommand() *cobra.Command {
	var caregiverName, caregiverEmail, recipientName, recipientEmail string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a caregiver, a recipient and their conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			logger := setupLogger(cfg.App)

			dataStore, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer dataStore.Close()

			caregiver, err := dataStore.CreateProfile(cmd.Context(), identity.Profile{
				Role:  identity.RoleCaregiver,
				Email: caregiverEmail,
				Name:  caregiverName,
			})
			if err != nil {
				return errors.Wrap(err, "create caregiver")
			}
			recipient, err := dataStore.CreateProfile(cmd.Context(), identity.Profile{
				Role:  identity.RoleRecipient,
				Email: recipientEmail,
				Name:  recipientName,
			})
			if err != nil {
				return errors.Wrap(err, "create recipient")
			}
			conv, err := dataStore.CreateConversation(cmd.Context(), caregiver.ID, recipient.ID)
			if err != nil {
				return errors.Wrap(err, "create conversation")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "caregiver    %s=%s\n", cfg.Session.CaregiverCookie, caregiver.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "recipient    %s=%s\n", cfg.Session.RecipientCookie, recipient.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s\n", conv.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&caregiverName, "caregiver-name", "Dr. Demo", "caregiver display name")
	cmd.Flags().StringVar(&caregiverEmail, "caregiver-email", "caregiver@example.com", "caregiver email")
	cmd.Flags().StringVar(&recipientName, "recipient-name", "Demo Recipient", "recipient display name")
	cmd.Flags().StringVar(&recipientEmail, "recipient-email", "recipient@example.com", "recipient email")
	return cmd
}

func setupLogger(cfg config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return log.Logger
}
