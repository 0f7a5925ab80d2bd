// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the HTTP server configuration.
type Config struct {
	// Name labels the server in logs, e.g. "gateway" or "redirect".
	Name string

	// Address is the listen address (host:port)
	Address string

	Handler http.Handler

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout bounds the graceful shutdown, OnShutdown included.
	ShutdownTimeout time.Duration

	// OnShutdown runs after the listener stops accepting. Hijacked
	// connections such as WebSockets are not tracked by net/http, so
	// their owner closes them here.
	OnShutdown func(ctx context.Context) error

	// Logger for server events
	Logger *slog.Logger
}

// Server is an HTTP(S) server with graceful shutdown.
type Server struct {
	config Config
	server *http.Server
}

// New creates a new server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}

	return &Server{
		config: cfg,
		server: &http.Server{
			Handler:           cfg.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
	}
}

// Listen listens on the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	logger := s.config.Logger.With(slog.String("server", s.config.Name))

	if s.config.TLSConfig != nil {
		l = tls.NewListener(l, s.config.TLSConfig)
		logger.Info("TLS enabled", slog.String("address", l.Addr().String()))
	}

	logger.Info("server started", slog.String("address", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, closing server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if s.config.OnShutdown != nil {
		err = errors.Join(err, s.config.OnShutdown(shutdownCtx))
	}
	if err != nil {
		s.server.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("shutdown timeout exceeded, forcing connection closure")
			return ErrShutdownTimeout
		}
		logger.Error("error during shutdown", slog.String("error", err.Error()))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
