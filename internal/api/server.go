// Package api provides the HTTP status API for the inverter2mqtt bridge.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anti-social/inverter2mqtt/internal/config"
	"github.com/anti-social/inverter2mqtt/internal/domain"
	"github.com/anti-social/inverter2mqtt/internal/poller"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PollObserver exposes the poller's health and latest readings to the API.
type PollObserver interface {
	Status() poller.Status
	LatestReadings() []*domain.ReadingSet
}

// Server represents the HTTP API server exposing poll health and readings.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	observer  PollObserver
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, observer PollObserver) *Server {
	apiServer := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		observer:  observer,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()
	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/readings", s.handleReadings).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleHealth reports liveness, degraded when the transport keeps failing.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.observer.Status()
	if status.Degraded {
		s.writeJSON(w, map[string]interface{}{
			"status":                       "degraded",
			"consecutive_transport_errors": status.ConsecutiveTransportErrors,
		}, http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, map[string]interface{}{"status": "ok"}, http.StatusOK)
}

// handleStatus returns per-command poll health.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"uptime": time.Since(s.startTime).String(),
		"poller": s.observer.Status(),
	}, http.StatusOK)
}

// handleReadings returns the latest reading set per command.
func (s *Server) handleReadings(w http.ResponseWriter, _ *http.Request) {
	readings := s.observer.LatestReadings()
	s.writeJSON(w, map[string]interface{}{
		"readings": readings,
		"count":    len(readings),
	}, http.StatusOK)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
