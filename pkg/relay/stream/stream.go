// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/pool"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
)

// Protocol is the subprotocol served by this adapter.
const Protocol = "dps-gateway"

const readBufferSize = 32 * 1024

// Config holds the DPS endpoint configuration.
type Config struct {
	// AccountNumber identifies the merchant account on the DPS controller.
	AccountNumber int `env:"ACCOUNT_NUMBER" envDefault:"1"`

	// Host is the DPS hostname or IP address.
	Host string `env:"HOSTNAME" envDefault:"127.0.0.1"`

	// Port is the DPS TCP port (1–65535).
	Port int `env:"PORT_NUMBER" envDefault:"65"`

	// CloseTimeout bounds how long a half-closed socket may drain before
	// it is forcibly closed.
	CloseTimeout time.Duration `env:"CLOSE_TIMEOUT" envDefault:"5s"`

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`

	// WriteTimeout bounds a single client-to-DPS write. Zero disables it.
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// Validate checks the endpoint configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("dps hostname is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("dps port %d out of range 1-65535", c.Port)
	}
	if c.CloseTimeout < 0 || c.DialTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("dps timeouts must not be negative")
	}
	return nil
}

// Address returns the host:port dial target.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Adapter relays opaque bytes between one client session and one TCP
// connection to the DPS.
type Adapter struct {
	cfg     Config
	deps    relay.Deps
	hctx    *handler.Context
	logger  *slog.Logger
	decoder textDecoder

	conn net.Conn
	link *pool.Link

	events    chan relay.Event
	closing   chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ relay.Adapter = (*Adapter)(nil)

// New creates an adapter for one session. No connection is made until Open.
func New(cfg Config, deps relay.Deps, hctx *handler.Context) *Adapter {
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	deps = deps.WithDefaults(Protocol)
	if hctx == nil {
		hctx = &handler.Context{Protocol: Protocol}
	}

	return &Adapter{
		cfg:  cfg,
		deps: deps,
		hctx: hctx,
		logger: deps.Logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("protocol", Protocol),
			slog.String("backend", cfg.Address())),
		events:   make(chan relay.Event),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Open connects to the DPS and starts relaying backend data.
func (a *Adapter) Open(ctx context.Context) error {
	err := a.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		link, err := a.deps.Pool.Open(ctx, Protocol, func(ctx context.Context) (io.ReadWriteCloser, error) {
			d := net.Dialer{Timeout: a.cfg.DialTimeout}
			conn, err := d.DialContext(ctx, "tcp", a.cfg.Address())
			if err != nil {
				return nil, err
			}
			a.conn = conn
			return conn, nil
		})
		if err != nil {
			return err
		}
		a.link = link
		return nil
	})
	if err != nil {
		a.logger.Error("failed to connect dps client", slog.String("error", err.Error()))
		close(a.events)
		close(a.readDone)
		return gwerrors.Wrap(gwerrors.ErrBackendOpen, err)
	}

	a.logger.Info("connected dps client",
		slog.Int("account", a.cfg.AccountNumber),
		slog.String("link", a.link.ID))

	go a.readLoop()
	return nil
}

// Events returns backend chunks as text messages.
func (a *Adapter) Events() <-chan relay.Event {
	return a.events
}

// Send writes a text message payload to the socket verbatim. The write
// fails after WriteTimeout or as soon as ctx is done, so a DPS that stops
// reading cannot stall the session.
func (a *Adapter) Send(ctx context.Context, msg relay.Message) error {
	if msg.Type != relay.TextMessage {
		return gwerrors.Wrap(gwerrors.ErrMalformedMessage, fmt.Errorf("%s frames are not relayed", msg.Type))
	}
	if a.link == nil {
		return gwerrors.Wrap(gwerrors.ErrBackendRuntime, net.ErrClosed)
	}

	var deadline time.Time
	if a.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(a.cfg.WriteTimeout)
	}
	if err := a.conn.SetWriteDeadline(deadline); err != nil {
		return gwerrors.Wrap(gwerrors.ErrBackendRuntime, err)
	}
	stop := context.AfterFunc(ctx, func() {
		a.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := a.conn.Write(msg.Data); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return gwerrors.Wrap(gwerrors.ErrBackendRuntime, err)
	}
	return nil
}

// Close half-closes the socket, lets in-flight backend data drain for up
// to CloseTimeout and then closes the socket.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		if a.link == nil {
			return
		}

		if cw, ok := a.conn.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.logger.Debug("half-close failed", slog.String("error", err.Error()))
			}
		}

		timer := time.NewTimer(a.cfg.CloseTimeout)
		defer timer.Stop()

		select {
		case <-a.readDone:
		case <-timer.C:
			a.logger.Warn("close timeout elapsed, forcing socket closure",
				slog.Duration("timeout", a.cfg.CloseTimeout))
		}

		if err := a.link.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.closeErr = err
		}
		<-a.readDone
	})
	return a.closeErr
}

// readLoop forwards every chunk read from the socket. After Close starts,
// chunks are drained and discarded.
func (a *Adapter) readLoop() {
	defer close(a.readDone)
	defer close(a.events)

	buf := make([]byte, readBufferSize)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 {
			if text := a.decoder.decode(buf[:n]); len(text) > 0 {
				a.emit(relay.Event{
					Kind:    relay.EventMessage,
					Message: relay.Message{Type: relay.TextMessage, Data: text},
				})
			}
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			if text := a.decoder.flush(); len(text) > 0 {
				a.emit(relay.Event{
					Kind:    relay.EventMessage,
					Message: relay.Message{Type: relay.TextMessage, Data: text},
				})
			}
			a.logger.Info("connection closed by dps")
			a.emit(relay.Event{Kind: relay.EventClosed, Err: gwerrors.ErrBackendClosed})
		case a.isClosing():
		default:
			a.logger.Error("dps connection error", slog.String("error", err.Error()))
			a.link.Close()
			a.emit(relay.Event{Kind: relay.EventError, Err: gwerrors.Wrap(gwerrors.ErrBackendRuntime, err)})
		}
		return
	}
}

func (a *Adapter) emit(ev relay.Event) {
	select {
	case a.events <- ev:
	case <-a.closing:
	}
}

func (a *Adapter) isClosing() bool {
	select {
	case <-a.closing:
		return true
	default:
		return false
	}
}
