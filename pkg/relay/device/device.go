// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/pool"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"go.bug.st/serial"
)

// Protocol is the subprotocol served by this adapter.
const Protocol = "cas-pd-ii-scale"

const readBufferSize = 1024

// Config holds the serial line settings of the scale.
type Config struct {
	// DevicePath is the serial device, e.g. /dev/ttyUSB0 or COM1.
	DevicePath string `env:"DEVICE_PATH" envDefault:"/dev/ttyUSB0"`

	BaudRate int `env:"BAUD_RATE" envDefault:"9600"`
	DataBits int `env:"DATA_BITS" envDefault:"8"`

	// StopBits is one of 1, 1.5, 2.
	StopBits string `env:"STOP_BITS" envDefault:"1"`

	// Parity is one of none, odd, even, mark, space.
	Parity string `env:"PARITY" envDefault:"none"`
}

// Validate checks the line settings.
func (c Config) Validate() error {
	_, err := c.Mode()
	return err
}

// Mode converts the configuration into serial line settings.
func (c Config) Mode() (*serial.Mode, error) {
	if c.DevicePath == "" {
		return nil, errors.New("scale device path is required")
	}
	if c.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d", c.DataBits)
	}

	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}

	switch c.StopBits {
	case "1", "":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %q", c.StopBits)
	}

	switch strings.ToLower(c.Parity) {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity %q", c.Parity)
	}

	return mode, nil
}

// OpenFunc opens a serial device.
type OpenFunc func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// SerialOpen opens a real serial port.
func SerialOpen(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithOpener replaces the serial port opener.
func WithOpener(open OpenFunc) Option {
	return func(a *Adapter) {
		a.open = open
	}
}

// Adapter bridges one client session to the scale, translating JSON
// commands into device writes and device reads into Envelopes.
type Adapter struct {
	cfg    Config
	deps   relay.Deps
	logger *slog.Logger
	open   OpenFunc

	port io.ReadWriteCloser
	link *pool.Link

	events    chan relay.Event
	closing   chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ relay.Adapter = (*Adapter)(nil)

// New creates an adapter for one session. The device is opened by Open.
func New(cfg Config, deps relay.Deps, hctx *handler.Context, opts ...Option) *Adapter {
	deps = deps.WithDefaults(Protocol)
	if hctx == nil {
		hctx = &handler.Context{Protocol: Protocol}
	}

	a := &Adapter{
		cfg:  cfg,
		deps: deps,
		logger: deps.Logger.With(
			slog.String("session", hctx.SessionID),
			slog.String("protocol", Protocol),
			slog.String("device", cfg.DevicePath)),
		open: SerialOpen,
		// Room for the open envelope, which is queued before anyone reads.
		events:   make(chan relay.Event, 1),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Open opens the device and reports the outcome to the client as one
// open Envelope, whether it succeeded or not.
func (a *Adapter) Open(ctx context.Context) error {
	var openErr error
	mode, err := a.cfg.Mode()
	if err != nil {
		openErr = err
	} else {
		err = a.deps.Breaker.Call(ctx, func(ctx context.Context) error {
			link, err := a.deps.Pool.Open(ctx, Protocol, func(ctx context.Context) (io.ReadWriteCloser, error) {
				port, err := a.open(a.cfg.DevicePath, mode)
				if err != nil {
					openErr = err
					return nil, err
				}
				a.port = port
				return port, nil
			})
			if err != nil {
				return err
			}
			a.link = link
			return nil
		})
		if openErr == nil {
			openErr = err
		}
	}

	a.events <- a.envelope(openEnvelope(openErr))

	if openErr != nil {
		a.logger.Error("failed to open scale", slog.String("error", openErr.Error()))
		close(a.events)
		close(a.readDone)
		return gwerrors.Wrap(gwerrors.ErrBackendOpen, openErr)
	}

	a.logger.Info("scale opened", slog.String("link", a.link.ID))
	go a.readLoop()
	return nil
}

// Events returns open and data Envelopes as text messages.
func (a *Adapter) Events() <-chan relay.Event {
	return a.events
}

// Send handles one client command. Only {"msg":"read"} reaches the device.
func (a *Adapter) Send(ctx context.Context, msg relay.Message) error {
	if msg.Type != relay.TextMessage {
		return gwerrors.Wrap(gwerrors.ErrMalformedMessage, fmt.Errorf("%s frames are not commands", msg.Type))
	}

	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return gwerrors.Wrap(gwerrors.ErrMalformedMessage, err)
	}
	if cmd.Msg != CommandRead {
		return gwerrors.Wrap(gwerrors.ErrMalformedMessage, fmt.Errorf("unknown command %q", cmd.Msg))
	}

	if a.link == nil {
		return gwerrors.Wrap(gwerrors.ErrBackendRuntime, errors.New("scale is not open"))
	}
	if _, err := a.port.Write([]byte{readRequest}); err != nil {
		return gwerrors.Wrap(gwerrors.ErrBackendRuntime, err)
	}
	return nil
}

// Close closes the device. It is idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		if a.link == nil {
			return
		}
		a.closeErr = a.link.Close()
		<-a.readDone
		a.logger.Debug("scale closed")
	})
	return a.closeErr
}

func (a *Adapter) readLoop() {
	defer close(a.readDone)
	defer close(a.events)

	buf := make([]byte, readBufferSize)
	for {
		n, err := a.port.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			a.logger.Debug("received data from scale", slog.String("data", string(data)))
			a.emit(a.envelope(dataEnvelope(data)))
		}
		if err == nil {
			continue
		}

		switch {
		case a.isClosing():
		case errors.Is(err, io.EOF):
			a.logger.Info("scale closed the line")
			a.emit(relay.Event{Kind: relay.EventClosed, Err: gwerrors.ErrBackendClosed})
		default:
			a.logger.Error("scale read error", slog.String("error", err.Error()))
			a.link.Close()
			a.emit(relay.Event{Kind: relay.EventError, Err: gwerrors.Wrap(gwerrors.ErrBackendRuntime, err)})
		}
		return
	}
}

// envelope serialises env into a text message event.
func (a *Adapter) envelope(env Envelope) relay.Event {
	data, err := json.Marshal(env)
	if err != nil {
		a.logger.Error("failed to encode envelope", slog.String("error", err.Error()))
	}
	return relay.Event{
		Kind:    relay.EventMessage,
		Message: relay.Message{Type: relay.TextMessage, Data: data},
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
