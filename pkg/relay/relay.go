// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"

	"github.com/goodexpert/onzsa-gateway/pkg/breaker"
	"github.com/goodexpert/onzsa-gateway/pkg/pool"
)

// MessageType mirrors the WebSocket data frame opcodes.
type MessageType int

const (
	// TextMessage is a UTF-8 text frame.
	TextMessage MessageType = 1
	// BinaryMessage is a binary frame.
	BinaryMessage MessageType = 2
)

// String returns a string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one WebSocket data message.
type Message struct {
	Type MessageType
	Data []byte
}

// EventKind classifies backend events.
type EventKind int

const (
	// EventMessage carries a message for the client.
	EventMessage EventKind = iota
	// EventClosed reports that the backend closed the link cleanly.
	EventClosed
	// EventError reports a backend failure. The link is already torn down.
	EventError
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is produced by an adapter for its session.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// Adapter bridges one client session to one backend link.
//
// The session goroutine is the only caller of Open, Send and Close.
// Events may be read from any single goroutine.
type Adapter interface {
	// Open establishes the backend link. If Open fails, Events yields any
	// pending notifications for the client and is then closed.
	Open(ctx context.Context) error

	// Events returns the backend event stream. It is closed when the
	// adapter stops reading from the backend.
	Events() <-chan Event

	// Send delivers one client message to the backend. Messages the
	// adapter cannot act on return an error matching
	// errors.ErrMalformedMessage and leave the link untouched.
	Send(ctx context.Context, msg Message) error

	// Close tears the backend link down. It is idempotent.
	Close() error
}

// Deps are the shared collaborators injected into every adapter of one
// backend kind.
type Deps struct {
	Logger  *slog.Logger
	Pool    *pool.Pool
	Breaker *breaker.CircuitBreaker
}

// WithDefaults fills unset dependencies.
func (d Deps) WithDefaults(name string) Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pool == nil {
		d.Pool = pool.New(pool.Config{})
	}
	if d.Breaker == nil {
		d.Breaker = breaker.New(breaker.Config{Name: name})
	}
	return d
}
