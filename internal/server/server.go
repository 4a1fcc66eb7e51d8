// Package server assembles the HTTP surface: the liveness banner, the
// stats endpoint and the websocket upgrade route.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HMasataka/familyrelay/internal/config"
	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Banner is the body served on GET /
const Banner = "Advanced Parental Control Server Active"

// StatsSource reports relay counters
type StatsSource interface {
	Stats() domain.Stats
}

// Server serves the relay over HTTP
type Server struct {
	http   *http.Server
	logger *logging.Logger
}

// NewRouter returns the chi router with every route mounted
func NewRouter(ws http.Handler, stats StatsSource, logger *logging.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Banner))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.Stats()); err != nil {
			logger.Error("failed to encode stats", "error", err)
		}
	})

	r.Get("/ws", ws.ServeHTTP)

	return r
}

// New creates a server bound to cfg's address
func New(cfg *config.Config, handler http.Handler, logger *logging.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", "addr", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
