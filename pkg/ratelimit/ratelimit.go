// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides upgrade admission control using the token
// bucket algorithm.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter labels passed to Config.OnLimited.
const (
	LimiterGlobal  = "global"
	LimiterPerHost = "per_host"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request should be allowed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = time.Now()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu           sync.RWMutex
	limiters     map[string]*TokenBucket
	capacity     int64
	refillRate   int64
	maxClients   int
	idleTimeout  time.Duration
	cleanupTimer *time.Timer
	closed       bool
}

// NewLimiter creates a rate limiter with per-client tracking. Buckets
// unused for idleTimeout are dropped.
func NewLimiter(capacity, refillRate int64, maxClients int, idleTimeout time.Duration) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}

	l := &Limiter{
		limiters:    make(map[string]*TokenBucket),
		capacity:    capacity,
		refillRate:  refillRate,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
	}
	l.cleanupTimer = time.AfterFunc(idleTimeout, l.cleanup)

	return l
}

// Allow checks if a request from the given client should be allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN checks if N requests from the given client should be allowed.
// New clients are refused once maxClients buckets exist.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[clientID]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[clientID] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// cleanup drops buckets that have been idle for idleTimeout.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	cutoff := time.Now().Add(-l.idleTimeout)
	for id, tb := range l.limiters {
		if tb.idleSince().Before(cutoff) {
			delete(l.limiters, id)
		}
	}

	l.cleanupTimer = time.AfterFunc(l.idleTimeout, l.cleanup)
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() (clients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
	}
}

// Config configures upgrade admission.
type Config struct {
	// Capacity and Refill size the bucket of each remote host.
	Capacity int64
	Refill   int64

	// GlobalCapacity and GlobalRefill size the bucket shared by everyone.
	GlobalCapacity int64
	GlobalRefill   int64

	MaxClients  int
	IdleTimeout time.Duration

	// OnLimited is called with LimiterGlobal or LimiterPerHost for every
	// refused request.
	OnLimited func(limiter string)
}

// Admission decides whether an upgrade may proceed, first against the
// global bucket and then against the caller's host bucket.
type Admission struct {
	global    *TokenBucket
	perHost   *Limiter
	onLimited func(string)
}

// NewAdmission creates admission control. A zero capacity disables the
// corresponding limiter.
func NewAdmission(cfg Config) *Admission {
	a := &Admission{onLimited: cfg.OnLimited}
	if cfg.GlobalCapacity > 0 {
		a.global = NewTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefill)
	}
	if cfg.Capacity > 0 {
		a.perHost = NewLimiter(cfg.Capacity, cfg.Refill, cfg.MaxClients, cfg.IdleTimeout)
	}
	if a.onLimited == nil {
		a.onLimited = func(string) {}
	}
	return a
}

// Allow reports whether remoteAddr (host:port) may open a session.
func (a *Admission) Allow(remoteAddr string) bool {
	if a.global != nil && !a.global.Allow() {
		a.onLimited(LimiterGlobal)
		return false
	}
	if a.perHost != nil && !a.perHost.Allow(hostOf(remoteAddr)) {
		a.onLimited(LimiterPerHost)
		return false
	}
	return true
}

// Close releases the per-host limiter.
func (a *Admission) Close() {
	if a.perHost != nil {
		a.perHost.Close()
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
