// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"
)

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:  "test-session",
		RemoteAddr: "127.0.0.1:1234",
		Protocol:   "dps-gateway",
		Version:    "13",
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "OnReject",
			fn:   func() error { return handler.OnReject(ctx, hctx, errors.New("unsupported")) },
		},
		{
			name: "OnConnect",
			fn:   func() error { return handler.OnConnect(ctx, hctx) },
		},
		{
			name: "OnUpstream",
			fn:   func() error { return handler.OnUpstream(ctx, hctx, []byte("payload")) },
		},
		{
			name: "OnDownstream",
			fn:   func() error { return handler.OnDownstream(ctx, hctx, []byte("ACK")) },
		},
		{
			name: "OnDisconnect",
			fn:   func() error { return handler.OnDisconnect(ctx, hctx, nil) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s() returned error: %v", tt.name, err)
			}
		})
	}
}

// MockHandler is a mock implementation for testing.
type MockHandler struct {
	ConnectErr    error
	DisconnectErr error

	RejectCalled     int
	ConnectCalled    int
	UpstreamCalled   int
	DownstreamCalled int
	DisconnectCalled int

	LastPayload []byte
	LastReason  error
}

func (m *MockHandler) OnReject(ctx context.Context, hctx *Context, reason error) error {
	m.RejectCalled++
	m.LastReason = reason
	return nil
}

func (m *MockHandler) OnConnect(ctx context.Context, hctx *Context) error {
	m.ConnectCalled++
	return m.ConnectErr
}

func (m *MockHandler) OnUpstream(ctx context.Context, hctx *Context, payload []byte) error {
	m.UpstreamCalled++
	m.LastPayload = payload
	return nil
}

func (m *MockHandler) OnDownstream(ctx context.Context, hctx *Context, payload []byte) error {
	m.DownstreamCalled++
	m.LastPayload = payload
	return nil
}

func (m *MockHandler) OnDisconnect(ctx context.Context, hctx *Context, reason error) error {
	m.DisconnectCalled++
	m.LastReason = reason
	return m.DisconnectErr
}

func TestChain(t *testing.T) {
	first := &MockHandler{ConnectErr: errors.New("first failed")}
	second := &MockHandler{}
	h := Chain(first, second)

	ctx := context.Background()
	hctx := &Context{SessionID: "chain"}

	err := h.OnConnect(ctx, hctx)
	if err == nil {
		t.Fatal("Expected joined error from OnConnect")
	}
	if !errors.Is(err, first.ConnectErr) {
		t.Errorf("Expected error to wrap %v, got %v", first.ConnectErr, err)
	}
	if first.ConnectCalled != 1 || second.ConnectCalled != 1 {
		t.Errorf("Expected both handlers called once, got %d and %d", first.ConnectCalled, second.ConnectCalled)
	}

	if err := h.OnUpstream(ctx, hctx, []byte("up")); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if string(second.LastPayload) != "up" {
		t.Errorf("Expected payload up, got %s", second.LastPayload)
	}

	if err := h.OnDownstream(ctx, hctx, []byte("down")); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if first.DownstreamCalled != 1 || string(first.LastPayload) != "down" {
		t.Errorf("Expected first handler to see downstream payload, got %q", first.LastPayload)
	}

	reason := errors.New("backend closed")
	if err := h.OnReject(ctx, hctx, reason); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := h.OnDisconnect(ctx, hctx, reason); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if second.DisconnectCalled != 1 || second.LastReason != reason {
		t.Errorf("Expected disconnect reason %v, got %v", reason, second.LastReason)
	}
}

func TestChainEmpty(t *testing.T) {
	h := Chain()
	if err := h.OnConnect(context.Background(), &Context{}); err != nil {
		t.Errorf("Empty chain returned error: %v", err)
	}
}
