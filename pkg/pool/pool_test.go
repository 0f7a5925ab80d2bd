// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

type mockHandle struct {
	closed atomic.Int32
}

func (m *mockHandle) Read(p []byte) (int, error)  { return 0, io.EOF }
func (m *mockHandle) Write(p []byte) (int, error) { return len(p), nil }
func (m *mockHandle) Close() error {
	m.closed.Add(1)
	return nil
}

func opener(h *mockHandle) OpenFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return h, nil
	}
}

func TestPool_OpenAndClose(t *testing.T) {
	p := New(Config{})
	h := &mockHandle{}

	link, err := p.Open(context.Background(), "dps-gateway", opener(h))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if link.ID == "" {
		t.Error("Expected link ID to be set")
	}

	active, byBackend := p.Stats()
	if active != 1 || byBackend["dps-gateway"] != 1 {
		t.Errorf("Expected 1 active dps-gateway link, got %d %v", active, byBackend)
	}

	if err := link.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if got := h.closed.Load(); got != 1 {
		t.Errorf("Expected handle closed exactly once, got %d", got)
	}

	if active, _ := p.Stats(); active != 0 {
		t.Errorf("Expected 0 active links after close, got %d", active)
	}
}

func TestPool_OpenError(t *testing.T) {
	p := New(Config{MaxActive: 1})
	openErr := errors.New("port busy")

	_, err := p.Open(context.Background(), "cas-pd-ii-scale", func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, openErr
	})
	if !errors.Is(err, openErr) {
		t.Fatalf("Expected wrapped open error, got %v", err)
	}

	// The failed attempt must not hold the only slot.
	if _, err := p.Open(context.Background(), "cas-pd-ii-scale", opener(&mockHandle{})); err != nil {
		t.Errorf("Expected slot to be released after failure, got %v", err)
	}
}

func TestPool_Exhausted(t *testing.T) {
	p := New(Config{MaxActive: 1})

	if _, err := p.Open(context.Background(), "a", opener(&mockHandle{})); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err := p.Open(context.Background(), "a", opener(&mockHandle{}))
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestPool_WaitForSlot(t *testing.T) {
	p := New(Config{MaxActive: 1, WaitTimeout: 2 * time.Second})

	first, err := p.Open(context.Background(), "a", opener(&mockHandle{}))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Close()
	}()

	if _, err := p.Open(context.Background(), "a", opener(&mockHandle{})); err != nil {
		t.Errorf("Expected second Open to succeed after release, got %v", err)
	}
}

func TestPool_Close(t *testing.T) {
	p := New(Config{})
	h1, h2 := &mockHandle{}, &mockHandle{}

	l1, _ := p.Open(context.Background(), "a", opener(h1))
	if _, err := p.Open(context.Background(), "b", opener(h2)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h1.closed.Load() != 1 || h2.closed.Load() != 1 {
		t.Error("Expected pool Close to close every link")
	}

	// Owner closing after the pool did is a no-op.
	l1.Close()
	if h1.closed.Load() != 1 {
		t.Error("Expected link to be closed only once")
	}

	if _, err := p.Open(context.Background(), "a", opener(&mockHandle{})); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}
