// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces per-identity, per-kind request budgets.
// A distributed counter (Badger-backed, shared across process
// replicas) is preferred; when it's unreachable the limiter degrades
// transparently to a per-process token bucket so requests are never
// dropped purely because the distributed tier is down.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/time/rate"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/metrics"
)

// Kind identifies the category of request being budgeted.
type Kind string

const (
	KindMessage Kind = "message"
	KindImage   Kind = "image"
	KindAudio   Kind = "audio"
)

// Budget is a per-minute / per-hour allowance for one Kind.
type Budget struct {
	PerMinute int
	PerHour   int
}

// Config bundles the budgets for every kind plus the spam-detection
// window.
type Config struct {
	Budgets         map[Kind]Budget
	SpamWindow      time.Duration
	SpamMaxInWindow int
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter is the two-tier rate limiter the webhook ingress consults
// before routing an event to a flow handler.
type Limiter struct {
	cfg Config
	log *slog.Logger

	db *badger.DB // nil disables the distributed tier entirely

	mu    sync.Mutex
	local map[string]map[Kind]*localBucket
	spam  map[string]*slidingWindow
}

type localBucket struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

type slidingWindow struct {
	events []time.Time
}

// New builds a Limiter. db may be nil to run local-only (e.g. in
// tests); in production it is the same shared Badger handle used by
// the session store and dedup table.
func New(cfg Config, db *badger.DB, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		cfg:   cfg,
		log:   log,
		db:    db,
		local: make(map[string]map[Kind]*localBucket),
		spam:  make(map[string]*slidingWindow),
	}
}

// Check reports whether identity may proceed with a request of the
// given kind, without mutating any counters. Only Record consumes
// budget, so a denied request never counts against itself.
func (l *Limiter) Check(identity string, kind Kind) (Decision, error) {
	budget, ok := l.cfg.Budgets[kind]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if l.IsSpamming(identity) {
		metrics.RateLimitDecisions.WithLabelValues(string(kind), "spam", "false").Inc()
		return Decision{Allowed: false, Reason: "spam"}, nil
	}

	if l.db != nil {
		allowed, err := l.checkDistributed(identity, kind, budget)
		if err == nil {
			tier := "distributed"
			metrics.RateLimitDecisions.WithLabelValues(string(kind), tier, boolLabel(allowed)).Inc()
			return Decision{Allowed: allowed, Reason: reasonFor(allowed)}, nil
		}
		l.log.Warn("distributed rate limit tier unreachable, falling back to local bucket",
			"identity", identity, "kind", kind, "error", err)
	}

	allowed := l.checkLocal(identity, kind, budget)
	metrics.RateLimitDecisions.WithLabelValues(string(kind), "local", boolLabel(allowed)).Inc()
	return Decision{Allowed: allowed, Reason: reasonFor(allowed)}, nil
}

func reasonFor(allowed bool) string {
	if allowed {
		return ""
	}
	return "budget_exceeded"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Record consumes one unit of budget for identity/kind. Callers must
// only call Record after Check returned Allowed:true.
func (l *Limiter) Record(identity string, kind Kind) {
	l.mu.Lock()
	w, ok := l.spam[identity]
	if !ok {
		w = &slidingWindow{}
		l.spam[identity] = w
	}
	w.events = append(w.events, time.Now())
	l.mu.Unlock()

	if l.db != nil {
		l.recordDistributed(identity, kind)
		return
	}
	l.recordLocal(identity, kind)
}

// IsSpamming reports whether identity has exceeded the configured
// event count within the spam window.
func (l *Limiter) IsSpamming(identity string) bool {
	if l.cfg.SpamMaxInWindow <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.spam[identity]
	if !ok {
		return false
	}
	cutoff := time.Now().Add(-l.cfg.SpamWindow)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
	return len(w.events) > l.cfg.SpamMaxInWindow
}

// --- local (per-process token bucket) tier ---

func (l *Limiter) bucketsFor(identity string) map[Kind]*localBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, ok := l.local[identity]
	if !ok {
		buckets = make(map[Kind]*localBucket)
		l.local[identity] = buckets
	}
	return buckets
}

func (l *Limiter) bucketFor(identity string, kind Kind, budget Budget) *localBucket {
	buckets := l.bucketsFor(identity)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := buckets[kind]
	if !ok {
		b = &localBucket{
			minute: rate.NewLimiter(rate.Limit(float64(budget.PerMinute)/60.0), max(budget.PerMinute, 1)),
			hour:   rate.NewLimiter(rate.Limit(float64(budget.PerHour)/3600.0), max(budget.PerHour, 1)),
		}
		buckets[kind] = b
	}
	return b
}

func (l *Limiter) checkLocal(identity string, kind Kind, budget Budget) bool {
	b := l.bucketFor(identity, kind, budget)
	return b.minute.Tokens() >= 1 && b.hour.Tokens() >= 1
}

func (l *Limiter) recordLocal(identity string, kind Kind) {
	budget := l.cfg.Budgets[kind]
	b := l.bucketFor(identity, kind, budget)
	b.minute.Allow()
	b.hour.Allow()
}

// --- distributed (Badger-backed) tier ---

type distributedCounter struct {
	MinuteWindowStart time.Time
	MinuteCount       int
	HourWindowStart   time.Time
	HourCount         int
}

func distributedKey(identity string, kind Kind) []byte {
	return []byte(fmt.Sprintf("ratelimit:%s:%s", identity, kind))
}

func (l *Limiter) checkDistributed(identity string, kind Kind, budget Budget) (bool, error) {
	var counter distributedCounter
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(distributedKey(identity, kind))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &counter)
		})
	})
	if err != nil {
		return false, err
	}

	now := time.Now()
	minuteCount := counter.MinuteCount
	if now.Sub(counter.MinuteWindowStart) > time.Minute {
		minuteCount = 0
	}
	hourCount := counter.HourCount
	if now.Sub(counter.HourWindowStart) > time.Hour {
		hourCount = 0
	}
	return minuteCount < budget.PerMinute && hourCount < budget.PerHour, nil
}

func (l *Limiter) recordDistributed(identity string, kind Kind) {
	err := l.db.Update(func(txn *badger.Txn) error {
		var counter distributedCounter
		item, err := txn.Get(distributedKey(identity, kind))
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &counter)
			}); verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		now := time.Now()
		if now.Sub(counter.MinuteWindowStart) > time.Minute {
			counter.MinuteWindowStart = now
			counter.MinuteCount = 0
		}
		if now.Sub(counter.HourWindowStart) > time.Hour {
			counter.HourWindowStart = now
			counter.HourCount = 0
		}
		counter.MinuteCount++
		counter.HourCount++

		data, merr := json.Marshal(counter)
		if merr != nil {
			return merr
		}
		entry := badger.NewEntry(distributedKey(identity, kind), data).WithTTL(time.Hour)
		return txn.SetEntry(entry)
	})
	if err != nil {
		l.log.Warn("failed to record distributed rate limit counter, local fallback still applies",
			"identity", identity, "kind", kind, "error", err)
		l.recordLocal(identity, kind)
	}
}

// AsRateLimitedError builds the user-facing error for a denied Check,
// for handlers/ingress code that want to surface flowerrors.RateLimitedError.
func AsRateLimitedError(identity string, kind Kind, decision Decision) *flowerrors.RateLimitedError {
	return &flowerrors.RateLimitedError{Identity: identity, Kind: string(kind), Reason: decision.Reason}
}
