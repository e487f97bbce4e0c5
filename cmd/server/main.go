// TalknShop orchestrator server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/Sameersah/talknshop/internal/api"
	"github.com/Sameersah/talknshop/internal/catalog"
	"github.com/Sameersah/talknshop/internal/chat"
	"github.com/Sameersah/talknshop/internal/config"
	"github.com/Sameersah/talknshop/internal/identity"
	"github.com/Sameersah/talknshop/internal/llm"
	"github.com/Sameersah/talknshop/internal/media"
	"github.com/Sameersah/talknshop/internal/middleware"
	"github.com/Sameersah/talknshop/internal/retention"
	"github.com/Sameersah/talknshop/internal/store"
	"github.com/Sameersah/talknshop/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.IsDevelopment() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}

	slog.Info("Starting server", "port", cfg.Port, "env", cfg.AppEnv, "store", cfg.Store.Driver, "mock_services", cfg.UseMockServices)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize dependencies.
	dsn := cfg.Store.DBPath
	if cfg.Store.Driver == store.DriverPostgres {
		dsn = cfg.Store.DatabaseURL
	}
	repo, err := store.Open(store.Options{Driver: cfg.Store.Driver, DSN: dsn, TTL: cfg.Store.SessionTTL})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Session store connected", "driver", cfg.Store.Driver)

	model, err := llm.New(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   int64(cfg.LLM.MaxTokens),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return err
	}
	if model == nil {
		slog.Info("Language model disabled, using rule-based fallbacks")
	}

	mediaClient, closeMedia := newMediaClient(cfg, logger)
	defer closeMedia()
	catalogClient := newCatalogClient(cfg, logger)

	engine, err := workflow.New(workflow.Deps{
		Store:   repo,
		Model:   model,
		Media:   mediaClient,
		Catalog: catalogClient,
		Logger:  logger,
	}, func(o *workflow.Options) {
		o.MaxConcurrentRuns = cfg.Workflow.MaxConcurrentRuns
		o.Steps.MaxClarifications = cfg.Workflow.MaxClarificationLoops
		o.Steps.CollaboratorTimeout = cfg.Workflow.CollaboratorTimeout
		o.Steps.SearchTimeout = cfg.Workflow.SearchTimeout
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := chat.NewManager(chat.ManagerConfig{
		MaxConnections:    cfg.WebSocket.MaxConnections,
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		CleanupInterval:   cfg.WebSocket.CleanupInterval,
		StaleTimeout:      cfg.WebSocket.StaleTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
	}, logger)
	mgr.Start(ctx)

	transcript, err := chat.NewTranscript(chat.TranscriptConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript", "error", closeErr)
		}
	}()

	allowedOrigin := "*"
	if len(cfg.AllowedOrigins) == 1 {
		allowedOrigin = cfg.AllowedOrigins[0]
	}
	chatHandler := chat.NewHandler(engine, mgr, transcript, chat.HandlerConfig{
		AllowedOrigin: allowedOrigin,
		IsDev:         cfg.IsDevelopment(),
		RateLimit:     cfg.WebSocket.RateLimitPerUser,
		RateWindow:    cfg.WebSocket.RateWindow,
	}, logger)

	apiHandler := api.NewHandler(api.Deps{
		Engine:  engine,
		Manager: mgr,
		Media:   mediaClient,
		Catalog: catalogClient,
		Logger:  logger,
	}, cfg.IsDevelopment())

	// Expired sessions lose their running turn and live channel too.
	retention.NewWorker(repo, cfg.Store.RetentionInterval, func(sessionID string) {
		mgr.Disconnect(sessionID, "Session expired")
		if _, err := engine.Delete(ctx, sessionID); err != nil {
			slog.Warn("Failed to stop expired session", "session_id", sessionID, "error", err)
		}
	}, logger).Start(ctx)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	apiHandler.RegisterHealth(r)

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/chat", chatHandler.ServeHTTP)
	})

	// Note: WebSocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Connection manager shutdown incomplete", "error", err)
	}
	// Running turns get the rest of the budget to reach a checkpoint.
	if err := chatHandler.Close(shutdownCtx); err != nil {
		slog.Warn("Turns still running at shutdown were cancelled", "error", err)
	}
	return nil
}

func newMediaClient(cfg *config.Config, logger *slog.Logger) (media.Client, func()) {
	if cfg.UseMockServices {
		slog.Info("Using mock media service")
		return media.Mock{}, func() {}
	}
	if cfg.Media.Addr == "" {
		slog.Info("Media service disabled (MEDIA_SERVICE_ADDR not set)")
		return nil, func() {}
	}

	mediaCfg := media.DefaultGrpcClientConfig()
	mediaCfg.Address = cfg.Media.Addr
	mediaCfg.Language = cfg.Media.Language
	mediaCfg.RequestTimeout = cfg.Media.RequestTimeout
	client, err := media.NewGrpcClient(mediaCfg, logger)
	if err != nil {
		slog.Warn("Failed to connect to media service, media processing will be disabled", "error", err)
		return nil, func() {}
	}
	return client, client.Close
}

func newCatalogClient(cfg *config.Config, logger *slog.Logger) catalog.Client {
	if cfg.UseMockServices {
		slog.Info("Using mock catalog service")
		return catalog.Mock{}
	}
	return catalog.NewHTTPClient(catalog.HTTPConfig{
		BaseURL:       cfg.Catalog.URL,
		Timeout:       cfg.Catalog.Timeout,
		SearchTimeout: cfg.Workflow.SearchTimeout,
		MaxRetries:    cfg.Catalog.MaxRetries,
		RetryDelay:    cfg.Catalog.RetryDelay,
	}, logger)
}
