// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the WebSocket gateway with metrics, health checks,
// circuit breakers, rate limiting and optional NATS session events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	gateway "github.com/goodexpert/onzsa-gateway"
	"github.com/goodexpert/onzsa-gateway/examples/simple"
	"github.com/goodexpert/onzsa-gateway/pkg/breaker"
	"github.com/goodexpert/onzsa-gateway/pkg/events"
	"github.com/goodexpert/onzsa-gateway/pkg/gate"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/health"
	"github.com/goodexpert/onzsa-gateway/pkg/metrics"
	"github.com/goodexpert/onzsa-gateway/pkg/pool"
	"github.com/goodexpert/onzsa-gateway/pkg/ratelimit"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/device"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/stream"
	"github.com/goodexpert/onzsa-gateway/pkg/router"
	"github.com/goodexpert/onzsa-gateway/pkg/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "GW_"

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := gateway.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("gateway", prometheus.DefaultRegisterer)

	dps := newBackend(stream.Protocol, cfg, m, logger)
	scale := newBackend(device.Protocol, cfg, m, logger)
	defer dps.Pool.Close()
	defer scale.Pool.Close()

	r, err := router.Default(cfg.DPS, dps, cfg.Scale, scale)
	if err != nil {
		logger.Error("Failed to create router", slog.String("error", err.Error()))
		os.Exit(1)
	}

	admission := ratelimit.NewAdmission(ratelimit.Config{
		Capacity:       cfg.RateLimit.Capacity,
		Refill:         cfg.RateLimit.Refill,
		GlobalCapacity: cfg.RateLimit.GlobalCapacity,
		GlobalRefill:   cfg.RateLimit.GlobalRefill,
		MaxClients:     cfg.RateLimit.MaxClients,
		OnLimited: func(limiter string) {
			m.RateLimitedRequests.WithLabelValues(limiter).Inc()
		},
	})
	defer admission.Close()

	handlers := []handler.Handler{simple.New(logger)}
	if cfg.Events.URL != "" {
		pub, err := events.Connect(events.Config{
			URL:     cfg.Events.URL,
			Name:    "onzsa-gateway",
			Subject: cfg.Events.Subject,
		}, logger)
		if err != nil {
			logger.Warn("Session events disabled", slog.String("error", err.Error()))
		} else {
			defer pub.Close()
			handlers = append(handlers, pub)
		}
	}

	gw, err := gate.New(gate.Config{
		Router:           r,
		Handler:          &InstrumentedHandler{handler: handler.Chain(handlers...), metrics: m, logger: logger},
		Admission:        admission,
		AllowedOrigins:   cfg.AllowedOrigins,
		CloseGracePeriod: cfg.CloseGracePeriod,
		MaxMessageSize:   cfg.MaxMessageSize,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("Failed to create gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tlsCfg, err := cfg.TLS()
	if err != nil {
		logger.Error("Failed to load TLS configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := newHealthChecker(cfg, gw, m, map[string]relay.Deps{
		stream.Protocol: dps,
		device.Protocol: scale,
	})

	logger.Info("Starting gateway",
		slog.String("address", cfg.Address()),
		slog.Bool("tls", tlsCfg != nil),
		slog.Any("protocols", r.Protocols()),
		slog.String("dps", cfg.DPS.Address()),
		slog.String("scale", cfg.Scale.DevicePath))

	secure := server.New(server.Config{
		Name:            "gateway",
		Address:         cfg.Address(),
		Handler:         gw,
		TLSConfig:       tlsCfg,
		ShutdownTimeout: cfg.ShutdownTimeout,
		OnShutdown:      gw.Shutdown,
		Logger:          logger,
	})
	g.Go(func() error {
		return secure.Listen(ctx)
	})

	// The plain HTTP listener only redirects to the secure port.
	if tlsCfg != nil && cfg.InsecurePort != 0 {
		redirect := server.New(server.Config{
			Name:            "redirect",
			Address:         hostPort(cfg.Host, cfg.InsecurePort),
			Handler:         server.RedirectHandler(cfg.Port),
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		})
		g.Go(func() error {
			return redirect.Listen(ctx)
		})
	}

	if cfg.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := server.New(server.Config{
			Name:    "metrics",
			Address: hostPort("", cfg.MetricsPort),
			Handler: mux,
			Logger:  logger,
		})
		g.Go(func() error {
			return metricsSrv.Listen(ctx)
		})
	}

	if cfg.HealthPort != 0 {
		healthSrv := server.New(server.Config{
			Name:    "health",
			Address: hostPort("", cfg.HealthPort),
			Handler: checker.Mux(),
			Logger:  logger,
		})
		g.Go(func() error {
			return healthSrv.Listen(ctx)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gateway terminated with error: %s", err))
	} else {
		logger.Info("gateway stopped")
	}
}

// newBackend builds the link pool and circuit breaker of one backend kind.
func newBackend(name string, cfg gateway.Config, m *metrics.Metrics, logger *slog.Logger) relay.Deps {
	cb := breaker.New(breaker.Config{
		Name:             name,
		MaxFailures:      cfg.Breaker.MaxFailures,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
	})
	cb.OnStateChange(func(name string, from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("backend", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerStateChanged(name, from, to)
	})

	p := pool.New(pool.Config{
		MaxActive:   cfg.Pool.MaxActive,
		OpenTimeout: cfg.Pool.OpenTimeout,
		WaitTimeout: cfg.Pool.WaitTimeout,
	})

	return relay.Deps{
		Logger:  logger.With(slog.String("backend", name)),
		Pool:    p,
		Breaker: cb,
	}
}

// newHealthChecker registers runtime, backend and gateway checks.
func newHealthChecker(cfg gateway.Config, gw *gate.Gate, m *metrics.Metrics, backends map[string]relay.Deps) *health.Checker {
	checker := health.NewChecker(10 * time.Second)

	checker.Register("goroutines", func(ctx context.Context) error {
		m.ObserveRuntime()
		if count := runtime.NumGoroutine(); count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	for name, deps := range backends {
		checker.Register("backend_"+name, func(ctx context.Context) error {
			active, _ := deps.Pool.Stats()
			m.BackendActiveLinks.WithLabelValues(name).Set(float64(active))
			if deps.Breaker.State() == breaker.StateOpen {
				return fmt.Errorf("circuit breaker open for %s", name)
			}
			return nil
		})
	}

	checker.Register("sessions", func(ctx context.Context) error {
		m.GoroutinesActive.WithLabelValues("sessions").Set(float64(gw.Active()))
		return nil
	})

	return checker
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
