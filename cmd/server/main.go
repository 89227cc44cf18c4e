// simplifIA orchestration engine server.
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

	"github.com/simplifia/engine/internal/activity"
	"github.com/simplifia/engine/internal/api"
	"github.com/simplifia/engine/internal/classifier"
	"github.com/simplifia/engine/internal/config"
	"github.com/simplifia/engine/internal/engine"
	"github.com/simplifia/engine/internal/fanout"
	"github.com/simplifia/engine/internal/identity"
	"github.com/simplifia/engine/internal/ingress"
	"github.com/simplifia/engine/internal/middleware"
	"github.com/simplifia/engine/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	activityLogger := activity.NewLogger(repo, cfg.Activity.QueueSize, logger)
	defer activityLogger.Close()

	hub := fanout.NewHub()

	registry := engine.DefaultRegistry()
	oracle := classifier.NewOpenAI(cfg.Classifier.APIKey, cfg.Classifier.BaseURL, cfg.Classifier.Model, registry.Kinds())

	eng := engine.New(repo, oracle, registry, activityLogger, hub)
	eng.SetClassifierTimeout(cfg.Classifier.Timeout)

	dispatcher := ingress.NewDispatcher(eng, activityLogger,
		cfg.Ingress.QueueSize, cfg.Ingress.MaxAttempts, cfg.Ingress.BaseDelay)
	defer dispatcher.Stop()

	// The engine schedules auto-advance steps through the same serialized
	// ingress queues that deliver user messages.
	eng.SetScheduler(dispatcher.EnqueueAdvance)

	sweeper, err := ingress.NewSweeper(repo, dispatcher, cfg.Ingress.ReconcileCron, cfg.Ingress.ReconcileGrace)
	if err != nil {
		slog.Error("Failed to schedule reconciliation sweep", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	chatHandler := api.NewChatHandler(baseHandler, hub, dispatcher)
	processHandler := api.NewProcessHandler(baseHandler, hub, dispatcher)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := fanout.NewWebSocketHandler(hub, repo, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	chatHandler.RegisterRoutes(r)
	processHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
