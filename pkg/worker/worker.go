// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker implements the bounded-concurrency background
// executor for long-running session enrichment (image compression +
// OCR, image + vision-model analysis). Submission is never blocking:
// a pool at capacity reports that back to the caller so the ingress
// can tell the user to retry.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/internal/metrics"
	"github.com/aleutian/flowengine/pkg/retry"
	"github.com/aleutian/flowengine/pkg/session"
)

// semaphore is a counting semaphore bounding in-flight tasks.
// tryAcquire never blocks, so neither does Pool.Submit.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{ch: make(chan struct{}, capacity)}
}

func (s *semaphore) tryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	<-s.ch
}

func (s *semaphore) inFlight() int { return len(s.ch) }
func (s *semaphore) capacity() int { return cap(s.ch) }

// Task is one unit of background enrichment work bound to a session
// identity. Run is invoked with the ctx passed to Submit; CorrelationID
// (the originating ingress request's id) is attached to the pool's log
// lines for the task.
type Task struct {
	Identity      string
	CorrelationID string
	// Run performs the enrichment and resumes the session: it should
	// read a fresh session via the store, mutate via a FieldBag
	// context, and commit with optimistic locking. Returning a
	// *flowerrors.ConcurrencyError makes the retry engine rerun it
	// against a fresh session (retry.DefaultConfig: up to three attempts
	// in all); any other error is logged and reported via OnFailure.
	Run func(ctx context.Context, fresh session.Session) error
	// OnFailure sends the user a fallback message when Run's error
	// survives retrying. May be nil.
	OnFailure func(identity string, err error)
}

// Pool is the bounded-concurrency executor. Safe for concurrent use.
type Pool struct {
	sem      *semaphore
	store    session.Store
	retryCfg retry.Config
	log      *slog.Logger
}

// New returns a Pool capped at maxConcurrent in-flight tasks.
func New(maxConcurrent int, store session.Store, log *slog.Logger) *Pool {
	if log == nil {
		log = logging.Default()
	}
	return &Pool{
		sem:      newSemaphore(maxConcurrent),
		store:    store,
		retryCfg: retry.DefaultConfig(),
		log:      logging.Named(log, "background_worker"),
	}
}

// SubmitResult reports whether a task was accepted into the pool.
type SubmitResult struct {
	Accepted bool
}

// Submit runs task on its own goroutine if a slot is free; otherwise
// it returns Accepted:false immediately without starting any work.
func (p *Pool) Submit(ctx context.Context, task Task) SubmitResult {
	if !p.sem.tryAcquire() {
		metrics.BackgroundRejected.Inc()
		p.log.Warn("background pool at capacity, task rejected",
			"identity", task.Identity, "correlation_id", task.CorrelationID)
		return SubmitResult{Accepted: false}
	}

	metrics.BackgroundInFlight.Inc()
	go func() {
		defer p.sem.release()
		defer metrics.BackgroundInFlight.Dec()
		p.run(ctx, task)
	}()
	return SubmitResult{Accepted: true}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("background task panicked", "identity", task.Identity, "panic", rec)
			if task.OnFailure != nil {
				task.OnFailure(task.Identity, &flowerrors.ExternalServiceError{
					Service: "background_worker",
					Cause:   fmt.Errorf("panic: %v", rec),
				})
			}
		}
	}()

	_, err := retry.WithSessionRetry(ctx, p.store, task.Identity, p.retryCfg,
		func(ctx context.Context, fresh session.Session, attempt int) error {
			return task.Run(ctx, fresh)
		})

	if err != nil {
		p.log.Error("background task failed", "identity", task.Identity,
			"correlation_id", task.CorrelationID, "error", err)
		if task.OnFailure != nil {
			task.OnFailure(task.Identity, err)
		}
	}
}

// Stats reports current pool occupancy for diagnostics.
type Stats struct {
	InFlight int
	Capacity int
}

func (p *Pool) Stats() Stats {
	return Stats{InFlight: p.sem.inFlight(), Capacity: p.sem.capacity()}
}
