package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"

	"workflow-graph/api/pkg/config"
	"workflow-graph/api/pkg/db"
	"workflow-graph/api/pkg/events"
	"workflow-graph/api/pkg/telemetry"
	"workflow-graph/api/services/workflow"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return
	}
	slog.SetDefault(newLogger(cfg.Log))

	var stores workflow.StoreProvider
	if cfg.Database.URL == "" {
		slog.Info("DATABASE_URL is not set, using in-memory graph store")
		stores = workflow.NewMemoryProvider()
	} else {
		pool, err := db.Connect(ctx, db.Config{
			URI:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return
		}
		defer pool.Close()

		// Initialize database schema and seed data
		if err := workflow.InitDB(ctx, pool); err != nil {
			slog.Error("Failed to initialize database", "error", err)
			return
		}
		stores = workflow.NewRepository(pool)
	}

	var model workflow.ModelClient = workflow.EchoModelClient{}
	if cfg.Model.Endpoint != "" {
		model = workflow.NewHTTPModelClient(cfg.Model.Endpoint, cfg.Model.APIKey, cfg.Model.Timeout)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Telemetry.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Error("Failed to flush telemetry", "error", err)
		}
	}()

	metrics, err := workflow.NewTaskMetrics(otel.Meter("workflow"))
	if err != nil {
		slog.Error("Failed to create task metrics", "error", err)
		return
	}
	registry := workflow.NewRegistry(model).
		Wrap(workflow.WithLogging(slog.Default())).
		Wrap(workflow.WithMetrics(metrics)).
		Wrap(workflow.WithTracing(otel.Tracer("workflow")))

	workflowService := workflow.NewService(stores, registry, events.NewBroker(0),
		workflow.WithScopePolicy(workflow.ScopePolicy(cfg.Scheduler.ScopePolicy)),
		workflow.WithMaxParallel(cfg.Scheduler.MaxParallel),
	)

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.Server.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
		}

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
