// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"github.com/gorilla/websocket"
)

// Close reasons sent to the client when the gateway ends a session.
const (
	reasonBackendClosed      = "backend closed"
	reasonBackendUnavailable = "backend unavailable"
	reasonBackendError       = "backend error"
	reasonShutdown           = "server shutting down"
)

// session owns one accepted connection. The control goroutine running
// serve is the only writer to the WebSocket and the only caller of the
// adapter's Open, Send and Close.
type session struct {
	gate   *Gate
	conn   *websocket.Conn
	hctx   *handler.Context
	logger *slog.Logger
	lc     relay.Lifecycle

	in         chan relay.Message
	stop       chan struct{}
	readerDone chan struct{}
	readErr    error
}

func newSession(g *Gate, conn *websocket.Conn, hctx *handler.Context) *session {
	conn.SetReadLimit(g.cfg.MaxMessageSize)

	return &session{
		gate: g,
		conn: conn,
		hctx: hctx,
		logger: g.logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("protocol", hctx.Protocol)),
		in:         make(chan relay.Message),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// serve runs the session to completion and returns why it ended.
func (s *session) serve(adapter relay.Adapter) error {
	ctx, cancel := context.WithCancel(s.gate.ctx)
	defer cancel()

	s.transition(relay.BackendOpening)
	go s.readClient()

	reason := s.run(ctx, adapter)

	close(s.stop)
	s.conn.Close()
	<-s.readerDone
	s.transition(relay.Closed)

	return reason
}

func (s *session) run(ctx context.Context, adapter relay.Adapter) error {
	// Backend opens and writes are abandoned once the client is gone.
	backendCtx, cancelBackend := context.WithCancel(ctx)
	defer cancelBackend()
	go func() {
		select {
		case <-s.readerDone:
			cancelBackend()
		case <-backendCtx.Done():
		}
	}()

	if err := adapter.Open(backendCtx); err != nil {
		s.transition(relay.Closing)
		if s.clientGone() {
			adapter.Close()
			return s.clientReason()
		}
		s.logger.Error("failed to open backend", slog.String("error", err.Error()))

		// Flush whatever the adapter queued for the client, e.g. the
		// device open envelope.
		for ev := range adapter.Events() {
			if ev.Kind == relay.EventMessage {
				s.deliver(ctx, ev.Message)
			}
		}
		adapter.Close()
		s.closeHandshake(websocket.CloseInternalServerErr, reasonBackendUnavailable)
		return err
	}
	s.transition(relay.Relaying)

	events := adapter.Events()
	for {
		select {
		case msg := <-s.in:
			if err := s.gate.cfg.Handler.OnUpstream(ctx, s.hctx, msg.Data); err != nil {
				s.logger.Error("upstream handler error", slog.String("error", err.Error()))
			}
			err := adapter.Send(backendCtx, msg)
			switch {
			case err == nil:
			case errors.Is(err, gwerrors.ErrMalformedMessage):
				s.logger.Debug("ignored client message",
					slog.String("type", msg.Type.String()),
					slog.String("error", err.Error()))
			case ctx.Err() != nil:
				s.end(adapter, websocket.CloseGoingAway, reasonShutdown)
				return gwerrors.ErrShuttingDown
			case s.clientGone():
				s.transition(relay.Closing)
				adapter.Close()
				return s.clientReason()
			default:
				s.logger.Error("failed to relay client message", slog.String("error", err.Error()))
				s.end(adapter, websocket.CloseInternalServerErr, reasonBackendError)
				return err
			}

		case <-s.readerDone:
			s.transition(relay.Closing)
			adapter.Close()
			return s.clientReason()

		case ev, ok := <-events:
			if !ok {
				s.end(adapter, websocket.CloseNormalClosure, reasonBackendClosed)
				return gwerrors.ErrBackendClosed
			}
			switch ev.Kind {
			case relay.EventMessage:
				if err := s.deliver(ctx, ev.Message); err != nil {
					s.transition(relay.Closing)
					adapter.Close()
					return gwerrors.Wrap(gwerrors.ErrConnectionClosed, err)
				}
			case relay.EventClosed:
				s.end(adapter, websocket.CloseNormalClosure, reasonBackendClosed)
				return ev.Err
			case relay.EventError:
				s.end(adapter, websocket.CloseInternalServerErr, reasonBackendError)
				return ev.Err
			}

		case <-ctx.Done():
			s.end(adapter, websocket.CloseGoingAway, reasonShutdown)
			return gwerrors.ErrShuttingDown
		}
	}
}

// end tears the backend down and starts the close handshake.
func (s *session) end(adapter relay.Adapter, code int, text string) {
	s.transition(relay.Closing)
	if err := adapter.Close(); err != nil {
		s.logger.Warn("failed to close backend", slog.String("error", err.Error()))
	}
	s.closeHandshake(code, text)
}

func (s *session) deliver(ctx context.Context, msg relay.Message) error {
	if err := s.conn.WriteMessage(int(msg.Type), msg.Data); err != nil {
		s.logger.Debug("failed to write to client", slog.String("error", err.Error()))
		return err
	}
	if err := s.gate.cfg.Handler.OnDownstream(ctx, s.hctx, msg.Data); err != nil {
		s.logger.Error("downstream handler error", slog.String("error", err.Error()))
	}
	return nil
}

// closeHandshake sends a close frame and waits up to CloseGracePeriod for
// the client to answer with its own.
func (s *session) closeHandshake(code int, text string) {
	grace := s.gate.cfg.CloseGracePeriod
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(grace)); err != nil {
		s.logger.Debug("failed to send close frame", slog.String("error", err.Error()))
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-s.in:
			// Frames sent before the client saw our close are dropped.
		case <-s.readerDone:
			return
		case <-timer.C:
			s.logger.Debug("client did not answer close frame", slog.Duration("grace", grace))
			return
		}
	}
}

// readClient feeds client data messages to the control goroutine until
// the connection fails or is closed.
func (s *session) readClient() {
	defer close(s.readerDone)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.in <- relay.Message{Type: relay.MessageType(mt), Data: data}:
		case <-s.stop:
			return
		}
	}
}

func (s *session) clientGone() bool {
	select {
	case <-s.readerDone:
		return true
	default:
		return false
	}
}

// clientReason classifies the end of the client reader. Only valid after
// readerDone is closed.
func (s *session) clientReason() error {
	var ce *websocket.CloseError
	if errors.As(s.readErr, &ce) {
		s.logger.Debug("client closed connection",
			slog.Int("code", ce.Code),
			slog.String("text", ce.Text))
		return gwerrors.ErrConnectionClosed
	}
	if s.readErr != nil {
		s.logger.Debug("client connection lost", slog.String("error", s.readErr.Error()))
	}
	return gwerrors.Wrap(gwerrors.ErrConnectionClosed, s.readErr)
}

func (s *session) transition(next relay.State) {
	prev := s.lc.State()
	if !s.lc.Transition(next) {
		return
	}
	s.logger.Debug("session state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}
