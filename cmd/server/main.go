package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/flowsync/internal/api"
	"github.com/prudhvinik1/flowsync/internal/config"
	"github.com/prudhvinik1/flowsync/internal/conflict"
	"github.com/prudhvinik1/flowsync/internal/database"
	"github.com/prudhvinik1/flowsync/internal/entities"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
	"github.com/prudhvinik1/flowsync/internal/services"
	"github.com/prudhvinik1/flowsync/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// token <user-id> prints a bearer token for local testing.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer postgresPool.Close()

	if err := database.EnsureSchema(ctx, postgresPool); err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}

	resolver := conflict.NewResolver(logger)
	handlers := make(map[models.EntityType]*entities.DocumentHandler, len(models.EntityTypes))
	constructors := map[models.EntityType]func(repositories.DocumentRepository, *conflict.Resolver, *slog.Logger) *entities.DocumentHandler{
		models.EntityFlow:         entities.NewFlowHandler,
		models.EntityFlowEntry:    entities.NewFlowEntryHandler,
		models.EntityUserProfile:  entities.NewProfileHandler,
		models.EntityUserSettings: entities.NewSettingsHandler,
	}
	for _, entityType := range models.EntityTypes {
		repo, err := repositories.NewPostgresDocumentRepository(postgresPool, entityType)
		if err != nil {
			return err
		}
		handlers[entityType] = constructors[entityType](repo, resolver, logger)
	}
	dispatcher := entities.NewDispatcher(
		handlers[models.EntityFlow],
		handlers[models.EntityFlowEntry],
		handlers[models.EntityUserProfile],
		handlers[models.EntityUserSettings],
	)

	operationRepo := repositories.NewPostgresOperationRepository(postgresPool)
	workerOpts := []worker.Option{worker.WithLogger(logger)}
	if redisClient != nil {
		defer redisClient.Close()
		workerOpts = append(workerOpts, worker.WithLocker(repositories.NewRedisLockRepository(redisClient)))
	}
	syncWorker := worker.New(operationRepo, dispatcher, workerConfig(cfg.Sync), workerOpts...)

	syncService := services.NewSyncService(operationRepo, dispatcher, syncWorker, logger)
	tokenService := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)
	handler := api.NewHandler(syncService, tokenService, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := syncService.StartProcessing(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		syncService.StopProcessing()
		return nil
	})

	g.Go(func() error {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func workerConfig(c config.SyncConfig) worker.Config {
	wc := worker.DefaultConfig()
	wc.PollInterval = c.PollInterval
	wc.BatchSize = c.BatchSize
	wc.LeaseTimeout = c.LeaseTimeout
	wc.LockTTL = c.LockTTL
	wc.RetentionDays = c.RetentionDays
	wc.RetentionInterval = c.RetentionInterval
	wc.Retry = worker.RetryPolicy{
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		MaxRetries: c.MaxRetries,
	}
	return wc
}

func printToken(cfg *config.Config, rawUserID string) error {
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	token, expiresAt, err := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry).IssueToken(userID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
	return nil
}
