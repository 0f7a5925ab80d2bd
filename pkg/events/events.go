// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events publishes session lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/nats-io/nats.go"
)

// Event types, appended to the subject prefix.
const (
	TypeRejected     = "rejected"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

// Event is the JSON body of every published message.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Protocol   string    `json:"protocol,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Duration   float64   `json:"duration_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the subset of *nats.Conn used by the handler.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	Name          string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Handler publishes rejections, connects and disconnects. Message
// payloads are never published.
type Handler struct {
	handler.NoopHandler

	pub     Publisher
	subject string
	logger  *slog.Logger
	drain   func() error
}

var _ handler.Handler = (*Handler)(nil)

// New creates a handler publishing on subject.<type> through pub.
func New(pub Publisher, subject string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = "gateway.sessions"
	}
	return &Handler{
		pub:     pub,
		subject: subject,
		logger:  logger,
		drain:   func() error { return nil },
	}
}

// Connect dials NATS and returns a handler that owns the connection.
func Connect(cfg Config, logger *slog.Logger) (*Handler, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	h := New(nil, cfg.Subject, logger)
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				h.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			h.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}

	h.pub = nc
	h.drain = nc.Drain
	return h, nil
}

// Close drains the owned NATS connection, if any.
func (h *Handler) Close() error {
	return h.drain()
}

func (h *Handler) OnReject(ctx context.Context, hctx *handler.Context, reason error) error {
	return h.publish(TypeRejected, hctx, Event{Reason: gwerrors.Reason(reason)})
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.publish(TypeConnected, hctx, Event{})
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason error) error {
	ev := Event{Reason: gwerrors.Reason(reason)}
	if !hctx.ConnectedAt.IsZero() {
		ev.Duration = time.Since(hctx.ConnectedAt).Seconds()
	}
	return h.publish(TypeDisconnected, hctx, ev)
}

func (h *Handler) publish(typ string, hctx *handler.Context, ev Event) error {
	ev.Type = typ
	ev.SessionID = hctx.SessionID
	ev.RemoteAddr = hctx.RemoteAddr
	ev.Protocol = hctx.Protocol
	ev.Origin = hctx.Origin
	ev.Timestamp = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.pub.Publish(h.subject+"."+typ, data); err != nil {
		h.logger.Warn("failed to publish session event",
			slog.String("type", typ),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
