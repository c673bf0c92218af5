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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/codetutor/internal/agent"
	"github.com/ashureev/codetutor/internal/api"
	"github.com/ashureev/codetutor/internal/compactor"
	"github.com/ashureev/codetutor/internal/config"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/ashureev/codetutor/internal/llm"
	"github.com/ashureev/codetutor/internal/metrics"
	"github.com/ashureev/codetutor/internal/middleware"
	"github.com/ashureev/codetutor/internal/prompt"
	"github.com/ashureev/codetutor/internal/rpc"
	"github.com/ashureev/codetutor/internal/store"
)

const serviceName = "codetutor"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "snapshot_backend", cfg.SnapshotBackend, "llm_provider", cfg.LLM.Provider)
	metrics.Init()

	prompts := prompt.Default()
	if cfg.PromptsFile != "" {
		prompts, err = prompt.Load(cfg.PromptsFile)
		if err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		slog.Info("Prompt templates loaded", "path", cfg.PromptsFile)
	}

	snapshots, err := openSnapshotStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := snapshots.Close(); closeErr != nil {
			slog.Error("Failed to close snapshot store", "error", closeErr)
		}
	}()
	slog.Info("Snapshot store connected", "backend", cfg.SnapshotBackend)

	// A nil interface, not a typed nil, when the editor database is absent.
	var documents compactor.DocumentReader
	if cfg.Mongo.NodeURL != "" {
		docs, err := store.NewMongoDocuments(ctx, cfg.Mongo.NodeURL, cfg.Mongo.NodeDB)
		if err != nil {
			slog.Warn("Editor session database unavailable, context limited to metrics", "error", err)
		} else {
			documents = docs
			defer func() {
				if closeErr := docs.Close(); closeErr != nil {
					slog.Error("Failed to close editor session database", "error", closeErr)
				}
			}()
			slog.Info("Editor session database connected", "db", cfg.Mongo.NodeDB)
		}
	}
	builder := compactor.New(snapshots, documents, logger).WithLookupTimeout(cfg.Mongo.QueryTimeout)

	var client llm.Client = llm.Disabled{}
	aiEnabled := false
	built, err := llm.New(ctx, llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		slog.Info("AI features disabled (no API key configured)")
	case err != nil:
		slog.Warn("Failed to initialize LLM client, AI features will be disabled", "error", err)
	default:
		client = built
		aiEnabled = true
		slog.Info("LLM client initialized", "provider", cfg.LLM.Provider)
	}

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	svc := agent.NewService(client, prompts, builder, convLog, agent.Config{
		HistoryWindow:      cfg.Tutor.HistoryWindow,
		RunOutputLimit:     cfg.Tutor.RunOutputLimit,
		ChatRunOutputLimit: cfg.Tutor.ChatRunOutputLimit,
		LLMTimeout:         cfg.LLM.Timeout,
		RateLimitRPS:       cfg.RateLimit.RPS,
		RateLimitBurst:     cfg.RateLimit.Burst,
	}, logger)
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Warn("failed to close conversation logger", "error", closeErr)
		}
	}()

	tutorHandler := agent.NewHandler(svc, agent.HandlerConfig{
		MaxRequestBodySize: cfg.Tutor.MaxRequestBodySize,
		PollInterval:       cfg.Stream.PollInterval,
		KeepaliveInterval:  cfg.Stream.KeepaliveInterval,
		RetryDelay:         cfg.Stream.RetryDelay,
		AllowedOrigins:     cfg.AllowedOrigins,
	})
	reviewHandler := api.NewReviewHandler(snapshots, builder, llm.WithTimeout(client, cfg.LLM.Timeout), prompts,
		func(sessionID, text, system, response string) {
			convLog.Log(agent.ConversationLogEvent{
				SessionID:  sessionID,
				Channel:    "review_http",
				Direction:  "inbound",
				EventType:  "review",
				ContentRaw: response,
				Meta:       map[string]any{"prompt": text, "system_prompt": system},
			})
		},
		api.ReviewConfig{RunOutputLimit: cfg.Tutor.RunOutputLimit, MaxRequestBodySize: cfg.Tutor.MaxRequestBodySize},
	)
	healthHandler := api.NewHealthHandler(serviceName, snapshots, aiEnabled, svc.Registry().Len)

	reporter := agent.NewReporter(svc, cfg.ReportSchedule, logger)
	if err := reporter.Start(ctx); err != nil {
		return fmt.Errorf("start reporter: %w", err)
	}
	defer reporter.Stop()

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware)

	r.Method(http.MethodGet, "/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	tutorHandler.RegisterRoutes(r)
	reviewHandler.RegisterRoutes(r)

	// SSE and WebSocket streams are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 2)

	var grpcServer *rpc.Server
	if cfg.GRPCPort != "" {
		grpcServer, err = rpc.NewServer(ctx, ":"+cfg.GRPCPort, logger)
		if err != nil {
			return fmt.Errorf("start grpc health server: %w", err)
		}
		go func() {
			if err := grpcServer.Serve(); err != nil {
				serverErr <- err
			}
		}()
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "ai_enabled", aiEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
		stop()
		_ = shutdown(srv, grpcServer)
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")
	if err := shutdown(srv, grpcServer); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server stopped successfully")
	return nil
}

func shutdown(srv *http.Server, grpcServer *rpc.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

func openSnapshotStore(ctx context.Context, cfg *config.Config) (store.SnapshotStore, error) {
	if cfg.SnapshotBackend == "mongo" {
		s, err := store.NewMongoSnapshots(ctx, cfg.Mongo.SnapshotURL, cfg.Mongo.SnapshotDB)
		if err != nil {
			return nil, fmt.Errorf("initialize mongo snapshot store: %w", err)
		}
		return s, nil
	}

	s, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	return s, nil
}
