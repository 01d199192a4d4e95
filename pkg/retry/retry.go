// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry wraps operations with exponential backoff and jitter,
// specializing in ConcurrencyError retry over fresh session reads.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/pkg/session"
)

// Config controls backoff shape. baseDelay * 2^(attempt-1), capped at
// maxDelay, with 20% additive jitter by default.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterFactor  float64
	ShouldRetry   func(error) bool
	OnRetry       func(attempt int, err error)
}

// DefaultConfig matches the documented defaults: 3 attempts, 200ms
// base delay, 5s cap, 20% jitter, retrying only ConcurrencyError.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
		ShouldRetry:  flowerrors.IsConcurrency,
	}
}

// Result reports what a retried operation actually did.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Op is a retryable unit of work; attempt is 1-based.
type Op func(ctx context.Context, attempt int) error

// WithRetry runs fn up to cfg.MaxAttempts times, backing off between
// attempts whenever cfg.ShouldRetry(err) is true. A nil ShouldRetry
// defaults to retrying only *flowerrors.ConcurrencyError.
func WithRetry(ctx context.Context, cfg Config, fn Op) (Result, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = flowerrors.IsConcurrency
	}

	start := time.Now()
	result := Result{}
	backoff := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !shouldRetry(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		wait := jittered(backoff, cfg.JitterFactor)
		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(wait):
		}
		backoff = nextBackoff(backoff, cfg.MaxDelay)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

func jittered(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := rand.Float64() * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current, maxDelay time.Duration) time.Duration {
	next := current * 2
	if next > maxDelay {
		return maxDelay
	}
	return next
}

// SessionOp operates against a freshly-loaded session on every attempt.
type SessionOp func(ctx context.Context, fresh session.Session, attempt int) error

// WithSessionRetry re-reads identity's session fresh before every
// attempt via store.LoadFresh, then invokes op against it. This is
// how the dispatcher guarantees a losing writer's retry always sees
// the winner's committed state instead of replaying against stale
// data. Non-ConcurrencyError failures propagate immediately.
func WithSessionRetry(ctx context.Context, store session.Store, identity string, cfg Config, op SessionOp) (Result, error) {
	return WithRetry(ctx, cfg, func(ctx context.Context, attempt int) error {
		fresh, err := store.LoadFresh(identity)
		if err != nil {
			return err
		}
		return op(ctx, fresh, attempt)
	})
}
