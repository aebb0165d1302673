package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-sessions/internal/activity"
	"e2ee-sessions/internal/authz"
	"e2ee-sessions/internal/cipher"
	"e2ee-sessions/internal/cleanup"
	"e2ee-sessions/internal/config"
	"e2ee-sessions/internal/decrypt"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/jwtsigner"
	"e2ee-sessions/internal/lidmap"
	"e2ee-sessions/internal/migration"
	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
	httptransport "e2ee-sessions/internal/transport/http"
	"e2ee-sessions/internal/usync"
)

const serviceName = "sessiond"

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Error("sessiond exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.DBConfig{URL: cfg.DatabaseURL, LogSQL: cfg.LogLevel == "debug"})
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	kv := store.New(db, logger)
	if err := kv.AutoMigrate(ctx); err != nil {
		return err
	}

	bus := events.NewLocal(logger)
	bus.Subscribe(events.TopicSessionsCleanedUp, func(_ context.Context, m events.Message) {
		logger.Debug("event", "topic", m.Topic, "id", m.ID)
	})

	var resolver lidmap.Resolver
	if cfg.USyncBaseURL != "" {
		signer, err := jwtsigner.NewFromBase64(cfg.DeviceSigningKey, serviceName, serviceName)
		if err != nil {
			return err
		}
		resolver = usync.NewClient(cfg.USyncBaseURL, cfg.USyncTimeout, signer, cfg.DeviceJID)
		logger.Info("directory fallback enabled", "url", cfg.USyncBaseURL)
	}

	mappings := lidmap.New(kv, lidmap.Config{
		CacheTTL:       cfg.LIDCacheTTL,
		CacheMaxSize:   cfg.LIDCacheMaxSize,
		BatchSize:      cfg.LIDBatchSize,
		RetryAttempts:  cfg.LIDRetryAttempts,
		RetryBaseDelay: cfg.LIDRetryBaseDelay,
		Resolver:       resolver,
		Bus:            bus,
		Logger:         logger,
	})
	mappings.Start()
	defer mappings.Stop()

	tracker := activity.New(kv, activity.Config{
		Enabled:       cfg.ActivityTrackingEnabled,
		FlushInterval: cfg.ActivityFlushInterval,
		Logger:        logger,
	})
	tracker.Start(ctx)

	migrator := migration.New(kv, migration.Config{
		LedgerTTL: cfg.MigrationLedgerTTL,
		Bus:       bus,
		Logger:    logger,
	})

	scheduler := cleanup.New(kv, tracker, mappings, cleanup.Config{
		Enabled:             cfg.CleanupEnabled,
		Interval:            cfg.CleanupInterval,
		AnchorHour:          cfg.CleanupHour,
		RunOnStartup:        cfg.CleanupOnStartup,
		SecondaryInactivity: cfg.CleanupSecondaryAfter,
		PrimaryInactivity:   cfg.CleanupPrimaryAfter,
		OrphanInactivity:    cfg.CleanupOrphanAfter,
		Ledger:              migrator,
		Bus:                 bus,
		Logger:              logger,
	})
	scheduler.Start(ctx)

	sessions := cipher.New(kv, logger)
	pipeline := decrypt.New(sessions, decrypt.Config{
		RetryAttempts: cfg.DecryptRetryAttempts,
		RetryDelay:    cfg.DecryptRetryDelay,
		DeviceWindow:  cfg.RecoveryDeviceWindow,
		Mappings:      mappings,
		Migrator:      migrator,
		Activity:      tracker,
		Bus:           bus,
		Logger:        logger,
	})

	var auth func(http.Handler) http.Handler
	switch {
	case cfg.OpsJWKSURL != "":
		jv, err := authz.NewJWTValidator(cfg.OpsJWKSURL, cfg.OpsIssuer, logger)
		if err != nil {
			return err
		}
		defer jv.Close()
		auth = jv.Middleware
		logger.Info("ops api uses jwks validation", "url", cfg.OpsJWKSURL)
	case cfg.OpsSharedSecret != "":
		auth = authz.NewHMACValidator(cfg.OpsSharedSecret, cfg.OpsIssuer, logger).Middleware
		logger.Info("ops api uses hs256 shared-secret validation")
	default:
		logger.Warn("ops api is unauthenticated")
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Mappings:  mappings,
		Migrator:  migrator,
		Cleanup:   scheduler,
		Activity:  tracker,
		Decrypter: pipeline,
	}, httptransport.Options{
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.OpsRateLimit,
		Auth:        auth,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("sessiond listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	scheduler.Stop()
	pipeline.Close()
	if err := tracker.Stop(shutdownCtx); err != nil {
		logger.Warn("final activity flush failed", "error", err)
	}
	return nil
}
