// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limited stores the limiter state for a single key.
type limited struct {
	limiter *rate.Limiter
	expire  time.Time
}

// KeyedLimiter tracks a sliding-window rate limit per key, typically a
// client IP. Entries expire and are swept by Run.
type KeyedLimiter struct {
	limited map[string]*limited

	attempts int
	window   time.Duration

	mu   sync.Mutex
	loop *Cycle
}

// NewKeyedLimiter constructs a limiter allowing attempts events per window
// for each key, sweeping stale entries every sweepPeriod.
func NewKeyedLimiter(attempts int, window, sweepPeriod time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limited:  map[string]*limited{},
		attempts: attempts,
		window:   window,
		loop:     NewCycle(sweepPeriod),
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (limiter *KeyedLimiter) Allow(key string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()

	entry, found := limiter.limited[key]
	if !found {
		entry = &limited{
			limiter: rate.NewLimiter(rate.Every(limiter.window/time.Duration(limiter.attempts)), limiter.attempts),
		}
		limiter.limited[key] = entry
	}
	entry.expire = now.Add(limiter.window)

	return entry.limiter.AllowN(now, 1)
}

// Exhausted reports whether key is out of budget without consuming an
// event.
func (limiter *KeyedLimiter) Exhausted(key string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	entry, found := limiter.limited[key]
	if !found {
		return false
	}
	return entry.limiter.Tokens() < 1
}

// Run sweeps expired entries until the context is canceled.
func (limiter *KeyedLimiter) Run(ctx context.Context) error {
	return limiter.loop.Run(ctx, func(ctx context.Context) error {
		return limiter.cleanUp(ctx, time.Now())
	})
}

func (limiter *KeyedLimiter) cleanUp(ctx context.Context, now time.Time) error {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	for key, entry := range limiter.limited {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if now.After(entry.expire) {
			delete(limiter.limited, key)
		}
	}

	return nil
}

// Close stops the sweep loop.
func (limiter *KeyedLimiter) Close() {
	limiter.loop.Close()
}
