package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jw6ventures/leadflow/internal/api"
	"github.com/jw6ventures/leadflow/internal/auth"
	"github.com/jw6ventures/leadflow/internal/backfill"
	"github.com/jw6ventures/leadflow/internal/config"
	"github.com/jw6ventures/leadflow/internal/contacts"
	"github.com/jw6ventures/leadflow/internal/crm"
	httpserver "github.com/jw6ventures/leadflow/internal/http"
	"github.com/jw6ventures/leadflow/internal/http/signature"
	"github.com/jw6ventures/leadflow/internal/ingest"
	"github.com/jw6ventures/leadflow/internal/location"
	"github.com/jw6ventures/leadflow/internal/logging"
	"github.com/jw6ventures/leadflow/internal/migrations"
	"github.com/jw6ventures/leadflow/internal/replay"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/jw6ventures/leadflow/internal/store/memstore"
	"github.com/jw6ventures/leadflow/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("store", cfg.StoreBackend).Msg("starting leadflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	stor, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	verifier, err := webhookVerifier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure webhook verification")
	}
	guard, err := replayGuard(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure replay guard")
	}

	httpClient := &http.Client{Timeout: cfg.CRM.Timeout}
	client := crm.NewClient(crm.Options{
		BaseURL:    cfg.CRM.BaseURL,
		Version:    cfg.CRM.Version,
		HTTPClient: httpClient,
		RateLimit:  rate.Limit(cfg.CRM.RateLimit),
		Burst:      cfg.CRM.Burst,
	})
	refresher := crm.NewOAuthRefresher(client.BaseURL(), cfg.CRM.ClientID, cfg.CRM.ClientSecret, httpClient)

	tokenManager := tokens.NewManager(stor.Accounts, refresher)
	resolver := location.NewResolver(stor.Accounts, tokenManager, client)
	contactService := contacts.NewService(stor.Contacts, client)
	syncer := contacts.NewSyncer(contactService, tokenManager, client)
	calls := ingest.NewCallProcessor(stor, tokenManager, client, contactService)
	appointments := ingest.NewAppointmentProcessor(stor, tokenManager, client, contactService)
	orchestrator := backfill.NewOrchestrator(stor, tokenManager, client, calls)

	var adminVerifier auth.TokenVerifier
	if cfg.AdminEnabled() {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize OIDC verifier")
		}
		adminVerifier = v
	} else {
		logger.Warn().Msg("APP_OIDC_ISSUER_URL not set; admin routes will reject every request")
	}

	r, err := httpserver.NewRouter(cfg, stor, logger, httpserver.Handlers{
		Webhook:     api.NewWebhookHandler(verifier, guard, resolver, calls, appointments, cfg.Webhook.MaxBodyBytes),
		Attribution: api.NewAttributionHandler(stor),
		Admin:       api.NewAdminHandler(stor.Accounts, orchestrator, syncer, cfg.BackfillTimeout),
		Auth:        auth.NewService(adminVerifier, stor.Profiles, cfg.AdminRole),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build router")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.BackfillTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.Store, func()) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return memstore.NewDB().Store(), func() {}
	}

	if cfg.DB.AutoMigrate {
		runner, err := migrations.Open(cfg.DB.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open migrator")
		}
		if err := runner.Up(); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		if err := runner.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close migrator")
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create db pool")
	}
	return store.New(pool), pool.Close
}

func webhookVerifier(cfg *config.Config) (signature.Verifier, error) {
	switch cfg.Webhook.SignatureMode {
	case config.SignatureModeHMAC:
		return signature.NewHMACVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxSkew), nil
	case config.SignatureModeInsecure:
		return signature.NewInsecureVerifier(), nil
	default:
		return signature.NewRSAVerifier(cfg.Webhook.PublicKeyPEM)
	}
}

func replayGuard(cfg *config.Config) (replay.Guard, error) {
	if cfg.Replay.Backend == config.ReplayBackendRedis {
		client, err := replay.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		return replay.NewRedisGuard(client, cfg.Replay.TTL), nil
	}
	return replay.NewLRUGuard(cfg.Replay.Capacity)
}
