// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package api exposes the status surface consumed by the display
// collaborator: leadership, upstream connection, feed counts, plus the
// user actions (pause, sort, filter, bulk fetch, truncate).
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/notifeed/internal/coordination"
	"github.com/tomtom215/notifeed/internal/ingest"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/monitor"
	"github.com/tomtom215/notifeed/internal/store"
)

// Config controls the status HTTP server.
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// DefaultConfig returns production API defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            3434,
		RateLimit:       100,
		RateLimitWindow: time.Minute,
		CORSOrigins:     []string{"*"},
	}
}

// statusResponse is the GET /api/v1/status payload.
type statusResponse struct {
	Instance string         `json:"instance"`
	Role     string         `json:"role"`
	Master   bool           `json:"master"`
	Upstream ingest.Status  `json:"upstream"`
	Feed     monitor.Status `json:"feed"`
}

// Server is the status HTTP server. Implements suture.Service.
type Server struct {
	cfg        Config
	instanceID string
	elector    *coordination.Elector
	ingestor   *ingest.Ingestor
	controller *monitor.Controller
	handler    http.Handler
}

// New builds the server and its route table.
func New(cfg Config, instanceID string, elector *coordination.Elector, ingestor *ingest.Ingestor, controller *monitor.Controller) *Server {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}

	s := &Server{
		cfg:        cfg,
		instanceID: instanceID,
		elector:    elector,
		ingestor:   ingestor,
		controller: controller,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(s.cfg.RateLimit, s.cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Get("/status", s.handleStatus)

		r.Route("/feed", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/truncate", s.handleTruncate)
			r.Put("/sort", s.handleSort)
			r.Put("/filter", s.handleFilter)
		})

		r.Post("/bulk-fetch", s.handleBulkFetch)
	})

	return r
}

// Handler exposes the route table, used directly in tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve runs the HTTP server until the context is cancelled. Implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logging.Info().Str("addr", addr).Msg("Status API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *Server) String() string { return "api" }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Instance: s.instanceID,
		Role:     s.elector.Role().String(),
		Master:   s.elector.IsMaster(),
		Upstream: s.ingestor.Status(),
		Feed:     s.controller.Status(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.controller.Pause()
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleUnpause(w http.ResponseWriter, _ *http.Request) {
	s.controller.Unpause()
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// handleTruncate is the explicit user trigger: it bypasses the debounce
// and runs immediately.
func (s *Server) handleTruncate(w http.ResponseWriter, _ *http.Request) {
	s.controller.TruncateNow()
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.controller.SetSortPolicy(store.SortPolicy(req.Policy)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var f monitor.Filter
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.SetFilter(f)
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleBulkFetch(w http.ResponseWriter, _ *http.Request) {
	err := s.ingestor.RequestBulkFetch()
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
	case errors.Is(err, ingest.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ingest.ErrNotIngesting), errors.Is(err, ingest.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
