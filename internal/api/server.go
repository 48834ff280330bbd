// Package api is the HTTP surface of the gateway.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openedge-labs/kestrel/internal/domain"
	"github.com/openedge-labs/kestrel/internal/optimistic"
	"github.com/openedge-labs/kestrel/internal/payments"
	"github.com/openedge-labs/kestrel/internal/upstream"
	"github.com/openedge-labs/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, client *upstream.Client, controller *optimistic.Controller, orchestrator *payments.Orchestrator, broker Invalidator, cache domain.Cache, bus domain.EventBus, w *worker.Worker, version string) *Server {
	handler := NewHandler(client, controller, orchestrator, broker, cache, bus, w, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no session required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (session required)
	router.Route("/api", func(r chi.Router) {
		r.Use(SessionMiddleware)

		// Feed
		r.Get("/posts", handler.ListPosts)
		r.Get("/posts/{id}", handler.GetPost)
		r.Post("/posts/{id}/like", handler.LikePost)
		r.Delete("/posts/{id}/like", handler.UnlikePost)

		// Comments
		r.Get("/posts/{id}/comments", handler.ListComments)
		r.Post("/posts/{id}/comments", handler.AddComment)
		r.Post("/comments/{id}/like", handler.LikeComment)

		// Profile
		r.Get("/profile", handler.GetProfile)
		r.Put("/profile", handler.UpdateProfile)

		// Session lifecycle
		r.Post("/auth/session", handler.CreateSession)
		r.Delete("/auth/session", handler.DeleteSession)

		// Checkout
		r.Get("/payments/methods", handler.ListPaymentMethods)
		r.Post("/payments/checkout", handler.Checkout)
		r.Post("/payments/checkout/{ref}/retry", handler.RetryCheckout)
		r.Post("/payments/checkout/{ref}/complete", handler.CompleteCheckout)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
