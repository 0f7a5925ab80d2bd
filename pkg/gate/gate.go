// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/router"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RejectReason is sent with every refused subprotocol negotiation.
const RejectReason = "Doesn't support protocol."

// RejectReasonHeader carries the rejection reason next to the body.
const RejectReasonHeader = "X-WebSocket-Reject-Reason"

const (
	defaultCloseGracePeriod = time.Second
	defaultMaxMessageSize   = 1 << 20
)

// Admission decides whether a remote address may open a session.
type Admission interface {
	Allow(remoteAddr string) bool
}

// Config configures a Gate.
type Config struct {
	// Router resolves the first requested subprotocol. Required.
	Router *router.Router

	// Handler receives session notifications. Defaults to NoopHandler.
	Handler handler.Handler

	// Admission rate limits upgrades. Nil admits everyone.
	Admission Admission

	// AllowedOrigins lists accepted Origin values. Empty allows any origin;
	// "*" does the same explicitly.
	AllowedOrigins []string

	// CloseGracePeriod bounds the wait for the client's close frame after
	// the gateway starts the close handshake.
	CloseGracePeriod time.Duration

	// MaxMessageSize limits inbound client messages in bytes.
	MaxMessageSize int64

	Logger *slog.Logger
}

// Gate accepts or refuses WebSocket upgrades by subprotocol and runs one
// session per accepted connection.
type Gate struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

var _ http.Handler = (*Gate)(nil)

// New creates a gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Router == nil {
		return nil, errors.New("gate requires a router")
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = defaultCloseGracePeriod
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin: g.checkOrigin,
	}

	return g, nil
}

// ServeHTTP negotiates the subprotocol and, on success, serves the session
// until either side closes it.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: r.RemoteAddr,
		Version:    r.Header.Get("Sec-WebSocket-Version"),
		Origin:     r.Header.Get("Origin"),
	}

	// Only the first requested subprotocol counts.
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		hctx.Protocol = protocols[0]
	}

	factory, ok := g.cfg.Router.Resolve(hctx.Protocol)
	if hctx.Protocol == "" || !ok {
		g.reject(w, hctx, http.StatusNotFound, RejectReason, gwerrors.ErrUnsupportedProtocol)
		return
	}

	if !g.checkOrigin(r) {
		g.reject(w, hctx, http.StatusForbidden, http.StatusText(http.StatusForbidden), gwerrors.ErrOriginRejected)
		return
	}

	if g.cfg.Admission != nil && !g.cfg.Admission.Allow(r.RemoteAddr) {
		g.reject(w, hctx, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), gwerrors.ErrRateLimited)
		return
	}

	if !g.track() {
		g.reject(w, hctx, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), gwerrors.ErrShuttingDown)
		return
	}
	defer g.untrack()

	conn, err := g.upgrader.Upgrade(w, r, responseHeader(hctx.Protocol))
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.logger.Warn("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("protocol", hctx.Protocol),
			slog.String("error", err.Error()))
		g.notifyReject(hctx, gwerrors.Wrap(gwerrors.ErrUpgradeFailed, err))
		return
	}
	hctx.ConnectedAt = time.Now()

	g.logger.Info("client connected",
		slog.String("remote", hctx.RemoteAddr),
		slog.String("version", hctx.Version),
		slog.String("protocol", hctx.Protocol),
		slog.String("session", hctx.SessionID))

	if err := g.cfg.Handler.OnConnect(g.ctx, hctx); err != nil {
		g.logger.Error("connect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s := newSession(g, conn, hctx)
	reason := s.serve(factory(hctx))

	g.logger.Info("client disconnected",
		slog.String("remote", hctx.RemoteAddr),
		slog.String("session", hctx.SessionID),
		slog.String("reason", gwerrors.Reason(reason)),
		slog.Duration("duration", time.Since(hctx.ConnectedAt)))

	if err := g.cfg.Handler.OnDisconnect(context.Background(), hctx, reason); err != nil {
		g.logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

// Active returns the number of sessions currently being served.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Shutdown refuses new upgrades, closes every live session with 1001 and
// waits for them to finish or for ctx to expire.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	g.active.Add(1)
	return true
}

func (g *Gate) untrack() {
	g.active.Add(-1)
	g.wg.Done()
}

func (g *Gate) reject(w http.ResponseWriter, hctx *handler.Context, status int, reason string, cause error) {
	g.logger.Info("rejected upgrade",
		slog.String("remote", hctx.RemoteAddr),
		slog.String("protocol", hctx.Protocol),
		slog.Int("status", status),
		slog.String("reason", reason))

	w.Header().Set(RejectReasonHeader, reason)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	io.WriteString(w, reason)

	g.notifyReject(hctx, cause)
}

func (g *Gate) notifyReject(hctx *handler.Context, cause error) {
	if err := g.cfg.Handler.OnReject(g.ctx, hctx, cause); err != nil {
		g.logger.Error("reject handler error",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// responseHeader selects protocol for the upgrade response. The key must
// be canonical for the upgrader to record it on the connection.
func responseHeader(protocol string) http.Header {
	h := http.Header{}
	h.Set("Sec-WebSocket-Protocol", protocol)
	return h
}

func (g *Gate) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin.
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
