package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/llm-tenant-gateway/internal/auth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/domain"
	"github.com/tjfontaine/llm-tenant-gateway/internal/importer"
	"github.com/tjfontaine/llm-tenant-gateway/internal/management"
	"github.com/tjfontaine/llm-tenant-gateway/internal/oauth"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/config"
	"github.com/tjfontaine/llm-tenant-gateway/internal/pkg/secret"
	"github.com/tjfontaine/llm-tenant-gateway/internal/proxy"
	"github.com/tjfontaine/llm-tenant-gateway/internal/router"
	"github.com/tjfontaine/llm-tenant-gateway/internal/server"
	"github.com/tjfontaine/llm-tenant-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/llm-tenant-gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("llm-tenant-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		log.Fatalf("Failed to load master key: %v", err)
	}
	codec, err := secret.NewCodec(masterKey)
	if err != nil {
		log.Fatalf("Failed to initialize secret codec: %v", err)
	}

	store, err := sqldb.New(sqldb.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, codec)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Import.File != "" {
		result, err := importer.New(store, logger).ImportFile(ctx, cfg.Import.File)
		if err != nil {
			log.Fatalf("Failed to import credentials from %s: %v", cfg.Import.File, err)
		}
		logger.Info("credential import complete",
			slog.String("file", cfg.Import.File),
			slog.Int("created", result.Created),
			slog.Int("updated", result.Updated))
	}

	skew, err := cfg.Skew()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	refreshTimeout, err := cfg.RefreshTimeout()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	tokenClient := oauth.NewClient(cfg.OAuth.TokenURL, cfg.OAuth.ClientID,
		oauth.WithTimeout(refreshTimeout))
	manager := oauth.NewManager(store, tokenClient,
		oauth.WithSkew(skew),
		oauth.WithLogger(logger))

	rt := router.New(store, manager, router.WithLogger(logger))
	authenticator := auth.NewAuthenticator(store)

	srv := server.New(cfg.Server.Port, logger, authenticator)
	srv.MountProxy("/v1", proxy.New(store, rt, map[domain.Provider]string{
		domain.ProviderDirectAPI:       cfg.Providers.DirectAPI.BaseURL,
		domain.ProviderHostedInference: cfg.Providers.HostedInference.BaseURL,
	}, proxy.WithLogger(logger)))
	srv.MountAdmin("/admin", management.New(store, logger).Routes())

	if sweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					manager.Sweep(ctx)
				}
			}
		}()
		logger.Info("refresh sweep enabled", slog.Duration("interval", sweepInterval))
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()
	logger.Info("gateway started", slog.Int("port", cfg.Server.Port))

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete")
}
