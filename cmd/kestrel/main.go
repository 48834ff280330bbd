// Kestrel - The client-edge data gateway.
// Copyright (c) 2026 openedge-labs
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/openedge-labs/kestrel/internal/api"
	"github.com/openedge-labs/kestrel/internal/auth"
	"github.com/openedge-labs/kestrel/internal/bus"
	"github.com/openedge-labs/kestrel/internal/cache"
	"github.com/openedge-labs/kestrel/internal/dedupe"
	"github.com/openedge-labs/kestrel/internal/domain"
	"github.com/openedge-labs/kestrel/internal/optimistic"
	"github.com/openedge-labs/kestrel/internal/payments"
	"github.com/openedge-labs/kestrel/internal/store"
	"github.com/openedge-labs/kestrel/internal/upstream"
	"github.com/openedge-labs/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration: defaults, then environment overrides
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_MODE") == "shared" {
		cfg = domain.SharedConfig()
		slog.Info("running in shared deployment mode")
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "KESTREL_"}); err != nil {
		slog.Error("failed to parse environment", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"upstream", cfg.Upstream.BaseURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize persistent store
	kvStore, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer kvStore.Close()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Initialize cache over the store
	cacheImpl, err := cache.New(cfg.Cache, kvStore)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize event bus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize token broker over the identity provider
	broker := auth.NewBroker(auth.NewHTTPSource(cfg.Auth), cacheImpl, cfg.Auth)
	slog.Info("token broker initialized", "provider", cfg.Auth.ProviderURL != "")

	// Initialize upstream client with the interceptor chain
	transport := auth.NewTransport(nil, broker, cfg.Auth)
	client := upstream.New(cfg.Upstream, transport, cacheImpl, dedupe.New())
	slog.Info("upstream client initialized", "base_url", cfg.Upstream.BaseURL)

	// Initialize mutation controller
	controller := optimistic.NewController(busImpl, broker,
		cfg.Upstream.MutationSpacing, cfg.Upstream.RequestTimeout)

	// Initialize payment orchestrator
	orchestrator, err := payments.New(client, cacheImpl, busImpl, cfg.Payments)
	if err != nil {
		slog.Error("failed to initialize payment orchestrator", "error", err)
		os.Exit(1)
	}
	slog.Info("payment orchestrator initialized", "default_country", cfg.Payments.DefaultCountry)

	// Initialize event worker
	eventWorker := worker.New(busImpl, cacheImpl, client)

	// Initialize server
	srv := api.NewServer(cfg.Server, client, controller, orchestrator, broker,
		cacheImpl, busImpl, eventWorker, Version)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if err := eventWorker.Stop(); err != nil {
		slog.Error("failed to stop event worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║        Client-Edge Data Gateway           ║")
	fmt.Println("  ║     Fast reads, honest mutations.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Upstream: %s\n", cfg.Upstream.BaseURL)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET    /api/posts                        - List feed posts")
	fmt.Println("    GET    /api/posts/{id}                   - Get a post")
	fmt.Println("    POST   /api/posts/{id}/like              - Like a post")
	fmt.Println("    DELETE /api/posts/{id}/like              - Unlike a post")
	fmt.Println("    GET    /api/posts/{id}/comments          - List comments")
	fmt.Println("    POST   /api/posts/{id}/comments          - Add a comment")
	fmt.Println("    POST   /api/comments/{id}/like           - Like a comment")
	fmt.Println("    GET    /api/profile                      - Get profile")
	fmt.Println("    PUT    /api/profile                      - Update profile")
	fmt.Println("    POST   /api/auth/session                 - Create session")
	fmt.Println("    DELETE /api/auth/session                 - End session")
	fmt.Println("    GET    /api/payments/methods             - Payment methods")
	fmt.Println("    POST   /api/payments/checkout            - Start checkout")
	fmt.Println("    POST   /api/payments/checkout/{ref}/retry - Retry checkout")
	fmt.Println("    GET    /health                           - Health check")
	fmt.Println()
}
