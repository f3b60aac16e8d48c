// Package ratelimit implements per-client token-bucket admission control.
//
// Each client accrues tokens at rate/period up to a burst cap; a request is
// admitted only if its cost is covered, and the cost is deducted atomically.
// Refill is computed lazily from elapsed wall-clock time at each admission
// check — no background timer. Buckets are created on first use and keyed by
// client ID, each with its own lock, so clients never contend with each other.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a set of per-client token buckets sharing one rate policy.
// Safe for concurrent use.
type Limiter struct {
	rate   float64       // tokens added per period
	period time.Duration // refill period
	burst  float64       // bucket capacity, also the initial fill

	mu      sync.Mutex // guards the bucket map only, never held during admission
	buckets map[string]*bucket

	now func() time.Time // injectable for tests
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// New creates a limiter admitting `rate` tokens per `period` with bursts up
// to `burst`.
func New(rate float64, period time.Duration, burst float64) *Limiter {
	return &Limiter{
		rate:    rate,
		period:  period,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CanRequest reports whether clientID may spend `cost` tokens right now,
// deducting them if so. A denied request deducts nothing.
func (l *Limiter) CanRequest(clientID string, cost float64) bool {
	b := l.bucket(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refill(b)
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// WaitForToken admits immediately when possible; otherwise it sleeps just
// long enough for the deficit to refill and re-checks once. Returns false if
// ctx is cancelled during the wait or the re-check still fails (possible
// when competing requests drained the bucket meanwhile).
func (l *Limiter) WaitForToken(ctx context.Context, clientID string, cost float64) bool {
	if l.CanRequest(clientID, cost) {
		return true
	}

	b := l.bucket(clientID)
	b.mu.Lock()
	l.refill(b)
	deficit := cost - b.tokens
	b.mu.Unlock()

	if deficit > 0 {
		perSecond := l.rate / l.period.Seconds()
		wait := time.Duration(deficit / perSecond * float64(time.Second))

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}

	return l.CanRequest(clientID, cost)
}

// Tokens returns the current token count for clientID after refill.
// Primarily for observability and tests.
func (l *Limiter) Tokens(clientID string) float64 {
	b := l.bucket(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refill(b)
	return b.tokens
}

// bucket returns the bucket for clientID, creating it full on first use.
func (l *Limiter) bucket(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: l.now()}
		l.buckets[clientID] = b
	}
	return b
}

// refill adds tokens for the time elapsed since the last refill, capped at
// the burst size. Caller holds b.mu.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * (l.rate / l.period.Seconds())
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
}
