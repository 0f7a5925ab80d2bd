// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/metrics"
)

var _ handler.Handler = (*InstrumentedHandler)(nil)

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// OnReject implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnReject(ctx context.Context, hctx *handler.Context, reason error) error {
	h.metrics.Rejections.WithLabelValues(gwerrors.Reason(reason)).Inc()

	return h.handler.OnReject(ctx, hctx, reason)
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.ActiveConnections.WithLabelValues(hctx.Protocol).Inc()
	h.metrics.TotalConnections.WithLabelValues(hctx.Protocol).Inc()

	return h.handler.OnConnect(ctx, hctx)
}

// OnUpstream implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnUpstream(ctx context.Context, hctx *handler.Context, payload []byte) error {
	h.metrics.ObserveMessage(hctx.Protocol, metrics.Upstream, len(payload))

	return h.handler.OnUpstream(ctx, hctx, payload)
}

// OnDownstream implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDownstream(ctx context.Context, hctx *handler.Context, payload []byte) error {
	h.metrics.ObserveMessage(hctx.Protocol, metrics.Downstream, len(payload))

	return h.handler.OnDownstream(ctx, hctx, payload)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason error) error {
	h.metrics.ActiveConnections.WithLabelValues(hctx.Protocol).Dec()
	h.metrics.ObserveSession(hctx.Protocol, gwerrors.Reason(reason), time.Since(hctx.ConnectedAt))

	if gwerrors.Is(reason, gwerrors.ErrBackendOpen) || gwerrors.Is(reason, gwerrors.ErrBackendRuntime) {
		h.metrics.BackendErrors.WithLabelValues(hctx.Protocol, gwerrors.Reason(reason)).Inc()
		h.logger.Warn("Backend failure ended session",
			slog.String("session", hctx.SessionID),
			slog.String("protocol", hctx.Protocol),
			slog.String("error", reason.Error()))
	}

	return h.handler.OnDisconnect(ctx, hctx, reason)
}
