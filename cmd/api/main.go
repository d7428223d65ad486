// Package main is the entry point for the API server.
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
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campushq/messaging/internal/cache"
	"github.com/campushq/messaging/internal/config"
	"github.com/campushq/messaging/internal/handler"
	"github.com/campushq/messaging/internal/middleware"
	"github.com/campushq/messaging/internal/queue"
	"github.com/campushq/messaging/internal/realtime"
	"github.com/campushq/messaging/internal/relay"
	"github.com/campushq/messaging/internal/service"
	"github.com/campushq/messaging/internal/store"
	"github.com/campushq/messaging/pkg/logger"
	"github.com/campushq/messaging/pkg/tracing"
)

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting messaging API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "campus-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to Postgres
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := store.Connect(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Error("failed to connect to postgres", zap.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	// Connect to Redis (unread counters); optional
	var unread cache.Unread
	if redisUnread, err := cache.NewRedisUnread(cfg.RedisURL); err != nil {
		log.Warn("redis unavailable, unread counts disabled", zap.Error(err))
	} else {
		unread = redisUnread
		defer redisUnread.Close()
	}

	// Connect to NATS for the cross-instance relay; optional
	var nc *nats.Conn
	if cfg.RelayEnabled {
		nc, err = relay.Connect(relay.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("NATS unavailable, relay disabled", zap.Error(err))
		} else {
			defer nc.Close()
		}
	}
	roomRelay := relay.New(nc, log)

	// Task queue for offline notifications; optional
	var notifyClient queue.Client
	if qc, err := queue.NewAsynqClient(cfg.RedisURL); err != nil {
		log.Warn("task queue unavailable, offline notify disabled", zap.Error(err))
	} else {
		notifyClient = qc
		defer qc.Close()
	}

	// Initialize stores and services
	convStore := store.NewPgConversationStore(pool)
	msgStore := store.NewPgMessageStore(pool)
	conversationSvc := service.NewConversationService(convStore, unread, log)
	messageSvc := service.NewMessageService(msgStore, conversationSvc, unread, log)

	// Event broker
	router := realtime.NewRouter()
	hub := realtime.NewHub(router, messageSvc, conversationSvc, roomRelay, notifyClient, cfg.TypingTimeout, log)
	if err := roomRelay.Subscribe(hub.DeliverRemote); err != nil {
		log.Warn("relay subscribe failed, live delivery is single-instance", zap.Error(err))
	}
	defer roomRelay.Close()

	// Notification task consumer
	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()
	if notifyClient != nil {
		if taskSrv, err := queue.NewAsynqServer(cfg.RedisURL, 0); err != nil {
			log.Warn("task server unavailable", zap.Error(err))
		} else {
			queue.RegisterNotifyHandler(taskSrv, log)
			go func() {
				if err := taskSrv.Run(serverCtx); err != nil {
					log.Error("task server stopped", zap.Error(err))
				}
			}()
		}
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(pool, unread, nc)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	wsHandler := handler.NewWSHandler(hub)

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
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Event transport (auth, no rate limit: one long-lived connection)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Get("/ws", wsHandler.Serve)
	})

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/topic", conversationHandler.RenameTopic)
				r.Get("/messages", messageHandler.History)
				r.Put("/read", messageHandler.MarkRead)
			})
		})
	})

	// Create HTTP server
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

	// Close live sessions, then drain HTTP with a timeout
	router.Close()
	serverCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
