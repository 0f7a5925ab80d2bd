// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool bounds and tracks the backend links opened on behalf of
// client sessions. Links are owned by exactly one session and are never
// reused: closing a Link releases its slot and closes the handle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("link pool is closed")
	// ErrPoolExhausted is returned when no link slot is available.
	ErrPoolExhausted = errors.New("link pool exhausted")
)

// Config holds link pool configuration.
type Config struct {
	// MaxActive is the maximum number of simultaneously open links.
	// If 0, there is no limit.
	MaxActive int
	// OpenTimeout bounds a single open attempt.
	OpenTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a free slot when the pool is exhausted.
	// If 0, returns error immediately.
	WaitTimeout time.Duration
}

// OpenFunc opens one backend handle (TCP socket, serial port).
type OpenFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Link is one open backend handle owned by a single session.
type Link struct {
	io.ReadWriteCloser
	ID       string
	Backend  string
	openedAt time.Time
	pool     *Pool
	once     sync.Once
	err      error
}

// Close closes the handle and releases its slot. Only the first call has
// any effect; later calls return the first result.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.err = l.ReadWriteCloser.Close()
		l.pool.release(l)
	})
	return l.err
}

// Age returns how long the link has been open.
func (l *Link) Age() time.Duration {
	return time.Since(l.openedAt)
}

// Pool tracks open backend links.
type Pool struct {
	mu       sync.Mutex
	links    map[*Link]struct{}
	pending  int
	config   Config
	closed   bool
	waitChan chan struct{}
}

// New creates a new link pool.
func New(config Config) *Pool {
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 10 * time.Second
	}

	return &Pool{
		links:    make(map[*Link]struct{}),
		config:   config,
		waitChan: make(chan struct{}, 1),
	}
}

// Open reserves a slot and opens a new link for backend.
func (p *Pool) Open(ctx context.Context, backend string, open OpenFunc) (*Link, error) {
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, p.config.OpenTimeout)
	defer cancel()

	rwc, err := open(openCtx)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		p.notify()
		return nil, fmt.Errorf("failed to open %s link: %w", backend, err)
	}

	link := &Link{
		ReadWriteCloser: rwc,
		ID:              uuid.New().String(),
		Backend:         backend,
		openedAt:        time.Now(),
		pool:            p,
	}

	p.mu.Lock()
	p.pending--
	if p.closed {
		p.mu.Unlock()
		rwc.Close()
		p.notify()
		return nil, ErrPoolClosed
	}
	p.links[link] = struct{}{}
	p.mu.Unlock()

	return link, nil
}

// reserve claims a slot, waiting up to WaitTimeout when the pool is full.
func (p *Pool) reserve(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.config.MaxActive <= 0 || len(p.links)+p.pending < p.config.MaxActive {
			p.pending++
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		if p.config.WaitTimeout <= 0 {
			return ErrPoolExhausted
		}
		if timer == nil {
			timer = time.NewTimer(p.config.WaitTimeout)
		}

		select {
		case <-p.waitChan:
		case <-timer.C:
			return ErrPoolExhausted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release forgets a closed link.
func (p *Pool) release(link *Link) {
	p.mu.Lock()
	delete(p.links, link)
	p.mu.Unlock()
	p.notify()
}

// notify wakes one goroutine waiting for a slot.
func (p *Pool) notify() {
	select {
	case p.waitChan <- struct{}{}:
	default:
	}
}

// Close closes the pool and force-closes every open link.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	links := make([]*Link, 0, len(p.links))
	for link := range p.links {
		links = append(links, link)
	}
	p.mu.Unlock()

	var errs []error
	for _, link := range links {
		if err := link.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Stats returns the number of open links per backend and in total.
func (p *Pool) Stats() (active int, byBackend map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byBackend = make(map[string]int)
	for link := range p.links {
		byBackend[link.Backend]++
	}
	return len(p.links), byBackend
}
