// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the gateway.
package errors

import (
	"errors"
	"fmt"
)

// Gateway error taxonomy.
var (
	// ErrUnsupportedProtocol indicates the first requested subprotocol is not served.
	ErrUnsupportedProtocol = errors.New("unsupported subprotocol")

	// ErrBackendOpen indicates the backend link could not be opened.
	ErrBackendOpen = errors.New("backend open failed")

	// ErrBackendRuntime indicates the backend link failed mid-session.
	ErrBackendRuntime = errors.New("backend runtime error")

	// ErrBackendClosed indicates the backend closed the link cleanly.
	ErrBackendClosed = errors.New("backend closed")

	// ErrMalformedMessage indicates a client message the adapter cannot act on.
	// It never terminates a session.
	ErrMalformedMessage = errors.New("malformed client message")

	// ErrConnectionClosed indicates the client connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOriginRejected indicates the Origin header is not in the allow-list.
	ErrOriginRejected = errors.New("origin not allowed")

	// ErrUpgradeFailed indicates the WebSocket handshake could not be completed.
	ErrUpgradeFailed = errors.New("websocket upgrade failed")

	// ErrRateLimited indicates the admission rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrShuttingDown indicates the gateway is draining sessions.
	ErrShuttingDown = errors.New("gateway shutting down")
)

// GatewayError wraps an error with session context.
type GatewayError struct {
	Op         string // Operation that failed
	Protocol   string // Negotiated subprotocol
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError. It returns nil for a nil err.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap joins a taxonomy sentinel with its cause so both match errors.Is.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Reason returns a short machine-friendly label for err, used for
// metrics labels and log attributes.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "unsupported_protocol"
	case errors.Is(err, ErrOriginRejected):
		return "origin_rejected"
	case errors.Is(err, ErrUpgradeFailed):
		return "upgrade_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBackendOpen):
		return "backend_open"
	case errors.Is(err, ErrBackendRuntime):
		return "backend_runtime"
	case errors.Is(err, ErrBackendClosed):
		return "backend_closed"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrConnectionClosed):
		return "client_closed"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	default:
		return "other"
	}
}
