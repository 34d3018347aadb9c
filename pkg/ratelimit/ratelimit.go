// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-credvault.
//
// go-credvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit throttles unlock attempts per account with a token bucket
// from golang.org/x/time/rate. Idle buckets are swept lazily on access; the
// limiter never starts a goroutine.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter implements a token bucket rate limiter with per-account tracking.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	enabled  bool

	sweepInterval time.Duration
	maxIdle       time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// AttemptsPerMinute sets the sustained attempt rate per account.
	AttemptsPerMinute int

	// Burst allows short bursts above the sustained rate.
	// If not set, defaults to AttemptsPerMinute.
	Burst int

	// SweepInterval controls how often idle accounts are evicted.
	// Defaults to 10 minutes.
	SweepInterval time.Duration

	// MaxIdle is how long an account can be idle before eviction.
	// Defaults to 30 minutes.
	MaxIdle time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// New creates a new rate limiter with the given configuration.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{Enabled: false}
	}

	burst := config.Burst
	if burst == 0 {
		burst = config.AttemptsPerMinute
	}

	sweepInterval := config.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = 10 * time.Minute
	}

	maxIdle := config.MaxIdle
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		limiters:      make(map[string]*rate.Limiter),
		lastSeen:      make(map[string]time.Time),
		rate:          rate.Limit(float64(config.AttemptsPerMinute) / 60.0),
		burst:         burst,
		enabled:       config.Enabled && config.AttemptsPerMinute > 0,
		sweepInterval: sweepInterval,
		maxIdle:       maxIdle,
		lastSweep:     now(),
		now:           now,
	}
}

// Allow reports whether another attempt for key is within the rate limit
// and consumes a token if so.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.sweepInterval {
		l.sweep(now)
	}

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	l.lastSeen[key] = now
	return limiter.AllowN(now, 1)
}

// Forget drops the bucket for key
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
	delete(l.lastSeen, key)
}

// sweep removes accounts that have been idle longer than maxIdle.
// Callers must hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	for key, lastSeen := range l.lastSeen {
		if now.Sub(lastSeen) > l.maxIdle {
			delete(l.limiters, key)
			delete(l.lastSeen, key)
		}
	}
	l.lastSweep = now
}

// Stats returns current rate limiter statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"enabled":         l.enabled,
		"active_accounts": len(l.limiters),
		"rate_per_min":    float64(l.rate) * 60,
		"burst":           l.burst,
	}
}

// IsEnabled reports whether the limiter enforces anything
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}
