// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker guards outbound calls to external collaborators
// (the messaging provider, OCR/vision model services) with a
// three-state circuit breaker per service name.
package breaker

import (
	"sync"
	"time"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/metrics"
)

// State is one of closed, open, half-open.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) gaugeValue() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Config controls one breaker's trip/reset thresholds.
type Config struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	SuccessThreshold    int
}

// DefaultConfig mirrors the documented defaults: trip after 5
// consecutive failures, probe again after 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	}
}

// Breaker is a single per-service circuit breaker. Safe for concurrent
// use.
type Breaker struct {
	service string
	config  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailureTime      time.Time
	lastStateChange      time.Time
}

// New returns a closed breaker for service, used in the metrics label
// and in the ExternalServiceError raised when it trips.
func New(service string, cfg Config) *Breaker {
	now := time.Now()
	b := &Breaker{service: service, config: cfg, state: Closed, lastStateChange: now}
	metrics.CircuitBreakerState.WithLabelValues(service).Set(Closed.gaugeValue())
	return b
}

// CanExecute consults breaker state before an outbound call. When the
// call is refused, err is a *flowerrors.ExternalServiceError the
// caller can return directly.
func (b *Breaker) CanExecute() (allowed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case Closed:
		return true, nil
	case Open:
		if now.Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transitionTo(HalfOpen, now)
			b.halfOpenRequests = 1
			return true, nil
		}
		return false, &flowerrors.ExternalServiceError{Service: b.service}
	case HalfOpen:
		if b.halfOpenRequests < b.config.HalfOpenMaxRequests {
			b.halfOpenRequests++
			return true, nil
		}
		return false, &flowerrors.ExternalServiceError{Service: b.service}
	default:
		return false, &flowerrors.ExternalServiceError{Service: b.service}
	}
}

// RecordSuccess marks the most recent guarded call as successful.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(Closed, time.Now())
		}
	}
}

// RecordFailure marks the most recent guarded call as failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureTime = now

	switch b.state {
	case Closed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(Open, now)
		}
	case HalfOpen:
		b.transitionTo(Open, now)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats reports the breaker's current counters for diagnostics.
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastStateChange      time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureTime:      b.lastFailureTime,
		LastStateChange:      b.lastStateChange,
	}
}

// Reset forces the breaker back to closed, for tests and manual ops
// intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(Closed, time.Now())
	b.consecutiveFailures = 0
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(newState State, now time.Time) {
	b.state = newState
	b.lastStateChange = now
	b.consecutiveSuccesses = 0
	b.halfOpenRequests = 0
	if newState == Closed {
		b.consecutiveFailures = 0
	}
	metrics.CircuitBreakerState.WithLabelValues(b.service).Set(newState.gaugeValue())
}
