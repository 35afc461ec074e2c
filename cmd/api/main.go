// Package main is the entry point for the chat portal API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/config"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/dify"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/handler"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/history"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/middleware"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/session"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-portal", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Initialize upstream provider client
	client, err := dify.NewClient(dify.Config{
		BaseURL:        cfg.DifyBaseURL,
		APIKey:         cfg.DifyAPIKey,
		User:           cfg.DifyUser,
		ChatTimeout:    cfg.ChatRequestTimeout,
		APITimeout:     cfg.APIRequestTimeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
	}, log.Named("dify"))
	if err != nil {
		log.Error("failed to create provider client", zap.Error(err))
		os.Exit(1)
	}

	// Initialize session registry and history cache
	registry := session.NewRegistry(client, log.Named("session"))
	historyCache := history.New(client, history.Options{
		PageSize:    cfg.HistoryPageSize,
		SummaryTTL:  cfg.SummaryTTL,
		MessagesTTL: cfg.MessagesTTL,
	}, log.Named("history"))

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(client)
	sessionHandler := handler.NewSessionHandler(registry, log)
	streamHandler := handler.NewStreamHandler(registry, log)
	historyHandler := handler.NewHistoryHandler(historyCache, registry, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Create)
			r.Get("/", sessionHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Delete("/", sessionHandler.Delete)
				r.Post("/rename", sessionHandler.Rename)

				// Streaming
				r.Post("/stream", streamHandler.Stream)
				r.Post("/resend", streamHandler.Resend)
				r.Post("/cancel", streamHandler.Cancel)
			})
		})

		// Provider-side history
		r.Route("/history", func(r chi.Router) {
			r.Get("/", historyHandler.List)
			r.Get("/{id}/messages", historyHandler.Messages)
			r.Post("/{id}/open", historyHandler.Open)
		})
	})

	// Create HTTP server. WriteTimeout stays unset by default because SSE
	// responses outlive any fixed deadline.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
