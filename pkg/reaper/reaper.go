// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reaper runs the two-phase idle-session sweep: a warning
// text at warningMinutes of inactivity, then a reset-to-INICIO close
// at timeoutMinutes. It owns no session semantics beyond what
// pkg/session.Store already exposes; it is a scheduling shell around
// that contract.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/internal/metrics"
	"github.com/aleutian/flowengine/pkg/session"
)

// Notifier sends the warning and timeout texts to an identity,
// outside of the normal flow-dispatch path.
type Notifier interface {
	SendText(identity, text string) error
}

// Config controls sweep timing and the two canned messages.
type Config struct {
	Interval     time.Duration
	WarningAfter time.Duration
	CloseAfter   time.Duration
	WarningText  string
	TimeoutText  string
}

// DefaultConfig matches the package defaults documented for session
// idle handling: a 5-minute sweep interval against the 25/30-minute
// warning/timeout pair.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		WarningAfter: 25 * time.Minute,
		CloseAfter:   30 * time.Minute,
		WarningText:  "Are you still there? This conversation will reset soon if we don't hear back.",
		TimeoutText:  "This conversation has been reset due to inactivity. Send a message to start again.",
	}
}

// Result summarizes one sweep cycle.
type Result struct {
	StartTime      time.Time
	EndTime        time.Time
	WarningsSent   int
	SessionsClosed int
	Errors         []error
}

// Duration reports how long the cycle took.
func (r Result) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// Reaper runs Config's sweep on a ticker, using the teacher's
// ticker+done-channel lifecycle (Start/Stop/RunNow).
type Reaper struct {
	store    session.Store
	notifier Notifier
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New wires a reaper against store, sending warning/timeout texts via
// notifier. notifier may be nil, in which case sweeps still perform
// the state transitions but send no text.
func New(store session.Store, notifier Notifier, cfg Config, log *slog.Logger) *Reaper {
	if log == nil {
		log = logging.Default()
	}
	return &Reaper{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      logging.Named(log, "reaper"),
	}
}

// Start begins the background sweep loop. Returns an error if already running.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.log.Info("session timeout reaper starting",
		"interval", r.cfg.Interval.String(),
		"warning_after", r.cfg.WarningAfter.String(),
		"close_after", r.cfg.CloseAfter.String(),
	)

	go r.runLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.done)
	r.running = false
}

// RunNow performs one sweep cycle immediately, outside the ticker.
func (r *Reaper) RunNow(ctx context.Context) (Result, error) {
	return r.sweep(ctx)
}

func (r *Reaper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("session timeout reaper stopped (context cancelled)")
			return
		case <-r.done:
			r.log.Info("session timeout reaper stopped (stop requested)")
			return
		case <-ticker.C:
			result, err := r.sweep(ctx)
			if err != nil {
				r.log.Error("reaper sweep failed", "error", err)
				continue
			}
			if result.WarningsSent > 0 || result.SessionsClosed > 0 {
				r.log.Info("reaper sweep completed",
					"warnings_sent", result.WarningsSent,
					"sessions_closed", result.SessionsClosed,
					"duration", result.Duration().String(),
				)
			}
		}
	}
}

// sweep runs the warning phase, then the close phase. Any user event
// between the two phases clears WarningSent via TouchActivity's side
// effect, so a session touched mid-sweep drops out of the close
// phase's NeedingClose result naturally — no extra coordination
// needed here.
func (r *Reaper) sweep(ctx context.Context) (Result, error) {
	result := Result{StartTime: time.Now()}

	if err := r.warningPhase(&result); err != nil {
		result.EndTime = time.Now()
		return result, fmt.Errorf("warning phase: %w", err)
	}
	if err := r.closePhase(&result); err != nil {
		result.EndTime = time.Now()
		return result, fmt.Errorf("close phase: %w", err)
	}

	result.EndTime = time.Now()
	return result, nil
}

func (r *Reaper) warningPhase(result *Result) error {
	identities, err := r.store.NeedingWarning(r.cfg.WarningAfter)
	if err != nil {
		return err
	}

	for _, identity := range identities {
		if err := r.store.MarkWarningSent(identity); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("marking warning sent for %q: %w", identity, err))
			metrics.ReaperActions.WithLabelValues("warning_error").Inc()
			continue
		}
		r.notify(identity, r.cfg.WarningText, result)
		result.WarningsSent++
		metrics.ReaperActions.WithLabelValues("warning_sent").Inc()
	}
	return nil
}

func (r *Reaper) closePhase(result *Result) error {
	identities, err := r.store.NeedingClose(r.cfg.CloseAfter)
	if err != nil {
		return err
	}

	for _, identity := range identities {
		if err := r.store.CloseByTimeout(identity); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("closing %q by timeout: %w", identity, err))
			metrics.ReaperActions.WithLabelValues("close_error").Inc()
			continue
		}
		r.notify(identity, r.cfg.TimeoutText, result)
		result.SessionsClosed++
		metrics.ReaperActions.WithLabelValues("session_closed").Inc()
	}
	return nil
}

func (r *Reaper) notify(identity, text string, result *Result) {
	if r.notifier == nil || text == "" {
		return
	}
	if err := r.notifier.SendText(identity, text); err != nil {
		r.log.Warn("reaper notification send failed", "identity", identity, "error", err)
		result.Errors = append(result.Errors, fmt.Errorf("notifying %q: %w", identity, err))
	}
}
