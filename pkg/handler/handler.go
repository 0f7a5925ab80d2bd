// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"time"
)

// Context contains connection metadata gathered during the WebSocket handshake.
// It is passed to Handler methods and to relay adapters.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol is the negotiated subprotocol (dps-gateway, cas-pd-ii-scale).
	// For rejected upgrades it holds the first requested subprotocol, if any.
	Protocol string

	// Version is the WebSocket protocol version requested by the client
	Version string

	// Origin is the Origin header of the upgrade request
	Origin string

	// ConnectedAt is when the upgrade was accepted
	ConnectedAt time.Time
}

// Handler receives session lifecycle and relay notifications.
// The gateway calls these methods at fixed points of a session:
//
//   - OnReject after an upgrade is refused (no session exists)
//   - OnConnect after the upgrade is accepted, before the backend is opened
//   - OnUpstream for every client message handed to the backend adapter
//   - OnDownstream for every message delivered to the client
//   - OnDisconnect exactly once when the session has been torn down
//
// Errors returned by a Handler are logged and never change the session's
// fate: subprotocol matching is the only admission policy.
type Handler interface {
	// OnReject is called when an upgrade request is refused.
	OnReject(ctx context.Context, hctx *Context, reason error) error

	// OnConnect is called after a successful upgrade.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnUpstream is called for each client message relayed to the backend.
	OnUpstream(ctx context.Context, hctx *Context, payload []byte) error

	// OnDownstream is called for each backend message relayed to the client.
	OnDownstream(ctx context.Context, hctx *Context, payload []byte) error

	// OnDisconnect is called once the session and its backend link are closed.
	// reason describes which side ended the session.
	OnDisconnect(ctx context.Context, hctx *Context, reason error) error
}

// NoopHandler is a Handler implementation that ignores every notification.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnReject(ctx context.Context, hctx *Context, reason error) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnUpstream(ctx context.Context, hctx *Context, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnDownstream(ctx context.Context, hctx *Context, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, reason error) error {
	return nil
}

// Chain fans every notification out to handlers in order.
// All handlers are called even if one fails; the errors are joined.
func Chain(handlers ...Handler) Handler {
	return chain(handlers)
}

type chain []Handler

func (c chain) OnReject(ctx context.Context, hctx *Context, reason error) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnReject(ctx, hctx, reason))
	}
	return errors.Join(errs...)
}

func (c chain) OnConnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnConnect(ctx, hctx))
	}
	return errors.Join(errs...)
}

func (c chain) OnUpstream(ctx context.Context, hctx *Context, payload []byte) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnUpstream(ctx, hctx, payload))
	}
	return errors.Join(errs...)
}

func (c chain) OnDownstream(ctx context.Context, hctx *Context, payload []byte) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnDownstream(ctx, hctx, payload))
	}
	return errors.Join(errs...)
}

func (c chain) OnDisconnect(ctx context.Context, hctx *Context, reason error) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnDisconnect(ctx, hctx, reason))
	}
	return errors.Join(errs...)
}
