// wabridge - WhatsApp delivery bridge
// Copyright (C) 2026  wabridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// Package server provides the HTTP server scaffold for wabridge.
//
// It sets up a chi router with standard middleware (request ID, real IP,
// request log, recovery, timeout, CORS), a /health endpoint, and graceful
// shutdown. Callers register their own routes on Router.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/jredh-dev/wabridge/internal/reqlog"
)

// ShutdownTimeout is how long in-flight requests get to drain.
const ShutdownTimeout = 10 * time.Second

// Options configures New.
type Options struct {
	Logger      zerolog.Logger
	CORSOrigins []string
	// RequestLog, when set, records every request through reqlog.Middleware.
	RequestLog        *reqlog.Log
	RequestLogOptions reqlog.Options
	// HandlerTimeout bounds each request; zero selects 30s.
	HandlerTimeout time.Duration
}

// Server is an HTTP server with standard middleware and graceful shutdown.
type Server struct {
	Router *chi.Mux
	logger zerolog.Logger
	srv    *http.Server
	onStop []func()
}

// New creates a Server with standard middleware already applied.
// The returned Router is ready for route registration.
func New(opts Options) *Server {
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.RequestLog != nil {
		r.Use(reqlog.Middleware(opts.RequestLog, opts.Logger, opts.RequestLogOptions))
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Hub-Signature-256"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK")) //nolint:errcheck
	})

	return &Server{Router: r, logger: opts.Logger}
}

// OnStop registers a function to call during graceful shutdown, after the
// listener has drained.
func (s *Server) OnStop(fn func()) {
	s.onStop = append(s.onStop, fn)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.stop()
			return err
		}
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}
	s.stop()
	s.logger.Info().Msg("server stopped")
	return err
}

func (s *Server) stop() {
	for _, fn := range s.onStop {
		fn()
	}
}
