package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tgnichols/schemabase/internal/api"
	"github.com/tgnichols/schemabase/internal/audit"
	"github.com/tgnichols/schemabase/internal/changefeed"
	"github.com/tgnichols/schemabase/internal/config"
	"github.com/tgnichols/schemabase/internal/db"
	"github.com/tgnichols/schemabase/internal/export"
	"github.com/tgnichols/schemabase/internal/ingestion"
	"github.com/tgnichols/schemabase/internal/middleware"
	"github.com/tgnichols/schemabase/internal/propagation"
	"github.com/tgnichols/schemabase/internal/registry"
	"github.com/tgnichols/schemabase/internal/repository"
	"github.com/tgnichols/schemabase/internal/service"
	"github.com/tgnichols/schemabase/pkg/validator"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	if err := db.RunMigrations(cfg.Database, cfg.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer conn.Close()

	// Storage layer.
	schemaRepo := repository.NewSchemaRepository(conn.Pool)
	documentStore := repository.NewDocumentStore(conn.Pool)
	auditRepo := repository.NewAuditLogRepository(conn.Pool)

	// Collection models for every active schema.
	models := registry.NewModelRegistry(documentStore)
	if err := models.Populate(ctx, schemaRepo); err != nil {
		logger.Fatal().Err(err).Msg("failed to populate model registry")
	}
	defer models.Teardown()

	// Audit core.
	ledger := audit.NewLedger(auditRepo, logger)
	reconstructor := audit.NewReconstructor(auditRepo)
	reverter := audit.NewRevertEngine(ledger, auditRepo, models, logger)
	propagator := propagation.NewPropagator(schemaRepo, models, logger)

	// Services.
	docValidator := validator.New()
	crud := service.NewCrudService(schemaRepo, models, ledger, propagator, docValidator, logger)
	schemaSvc := service.NewSchemaService(schemaRepo, models, logger)
	ingestionSvc := ingestion.NewService(models, ledger, validator.NewRowValidator(schemaRepo), logger)
	exporter := export.NewService(models, logger)

	// Change feed: one dedicated connection per active schema.
	listener := changefeed.NewListener(
		schemaRepo,
		ledger,
		changefeed.NewPoolSubscriber(conn.Pool),
		changefeed.NewPgOutbox(conn.Pool),
		logger,
	)
	if err := listener.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start change-feed listener")
	}

	// HTTP surface.
	handlers := api.New(schemaSvc, crud, ledger, reconstructor, reverter, ingestionSvc, exporter, listener, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	var handler http.Handler = handlers.Router()
	handler = middleware.Actor(handler)
	handler = middleware.RateLimit(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = corsHandler.Handler(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	listener.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server exited")
}
