// HTTP server for the Prometheus metrics endpoint
//
// Serves the registry's text exposition at /metrics for scraping.
//
// Copyright (C) 2026  Realtime Control Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrServerRunning is returned when Start is called twice.
var ErrServerRunning = errors.New("metrics: server already running")

// ServerConfig holds metrics server configuration.
type ServerConfig struct {
	// Address to listen on (e.g. ":9100").
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default listen configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves Prometheus metrics over HTTP.
type Server struct {
	registry *Registry
	cfg      ServerConfig

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates a metrics server for the registry.
func NewServer(registry *Registry, cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultServerConfig().Address
	}
	return &Server{registry: registry, cfg: cfg}
}

// Handler returns the /metrics handler for embedding in another mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(s.registry.Render()))
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}
