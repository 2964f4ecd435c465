package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for receipts
type Server struct {
	service *Service
	auth    *Authenticator
	blobs   http.Handler
	router  chi.Router
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithBlobHandler serves signed blob URLs under /blobs/
func WithBlobHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.blobs = h
	}
}

// NewServer creates a new Server. A nil authenticator treats every request as anonymous.
func NewServer(service *Service, auth *Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		service: service,
		auth:    auth,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// registerRoutes registers all routes on the server's router
func (s *Server) registerRoutes() {
	s.router.Use(requestLogger, metricsMiddleware, corsMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	if s.blobs != nil {
		s.router.Handle("/blobs/*", s.blobs)
	}

	s.router.Route("/api", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}

		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", s.handleListReceipts)
			r.Post("/", s.handleUploadReceipts)
			r.Get("/unverified", s.handleListUnverified)
			r.Get("/{id}", s.handleGetReceipt)
			r.Patch("/{id}", s.handleUpdateReceipt)
			r.Delete("/{id}", s.handleDeleteReceipt)
			r.Get("/{id}/image", s.handleReceiptImage)
			r.Post("/{id}/confirm", s.handleConfirmReceipt)
		})

		r.Get("/categories", s.handleListCategories)
		r.Post("/categories", s.handleCreateCategory)
		r.Delete("/categories/{id}", s.handleDeleteCategory)

		r.Get("/export.csv", s.handleExportCSV)
		r.Get("/export.xlsx", s.handleExportXLSX)
		r.Get("/summary", s.handleSummary)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
