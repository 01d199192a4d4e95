// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aleutian/flowengine/internal/config"
	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/internal/storage/badgerkv"
	"github.com/aleutian/flowengine/pkg/breaker"
	"github.com/aleutian/flowengine/pkg/dedup"
	"github.com/aleutian/flowengine/pkg/dlq"
	"github.com/aleutian/flowengine/pkg/flow"
	"github.com/aleutian/flowengine/pkg/flows"
	"github.com/aleutian/flowengine/pkg/ratelimit"
	"github.com/aleutian/flowengine/pkg/reaper"
	"github.com/aleutian/flowengine/pkg/retry"
	"github.com/aleutian/flowengine/pkg/session"
	"github.com/aleutian/flowengine/pkg/webhookhttp"
	"github.com/aleutian/flowengine/pkg/worker"
)

// runtime bundles every long-lived component the serve/reap-now
// commands share, wired once from config.Config so both entrypoints
// start from the identical dependency graph.
type runtime struct {
	db       *badger.DB
	store    session.Store
	notifier *webhookhttp.GuardedNotifier
	breaker  *breaker.Breaker
	registry *flow.Registry
	manager  *flow.Manager
	pool     *worker.Pool
	reaper   *reaper.Reaper
	ingress  *webhookhttp.Ingress
	log      *slog.Logger
}

// newRuntime opens the shared Badger handle and wires every component
// against it, registering the example flows from pkg/flows.
func newRuntime(cfg config.Config) (*runtime, error) {
	log := logging.New(logging.Config{
		Level: logLevelFor(cfg),
		JSON:  cfg.IsProduction(),
	})

	db, err := badgerkv.OpenWithPath(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store := session.NewBadgerStore(db, session.CacheConfig{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
	})

	cb := breaker.New("messaging_provider", breaker.Config{
		FailureThreshold:    cfg.CircuitFailureThreshold,
		ResetTimeout:        cfg.CircuitCooldown,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	})
	notifier := webhookhttp.NewGuardedNotifier(NewLogNotifier(logging.Named(log, "messaging-provider")), cb)

	registry := flow.New(store, nil, logging.Named(log, "flow-registry"))
	if err := flows.RegisterAll(registry, notifier); err != nil {
		_ = db.Close()
		return nil, err
	}

	manager := flow.NewManager(registry, store, notifier, logging.Named(log, "flow-manager"))
	manager.FarewellText = "Conversación cancelada. Escríbenos cuando quieras retomarla."

	dlqStore := dlq.NewStore(db)
	pool := worker.New(cfg.BackgroundMaxConcurrent, store, logging.Named(log, "background-worker"))

	reaperCfg := reaper.DefaultConfig()
	reaperCfg.WarningAfter = time.Duration(cfg.SessionWarningMinutes) * time.Minute
	reaperCfg.CloseAfter = time.Duration(cfg.SessionTimeoutMinutes) * time.Minute
	reaperInst := reaper.New(store, notifier, reaperCfg, logging.Named(log, "session-reaper"))

	dedupStore := dedup.NewStore(db, time.Duration(cfg.DedupRetentionHours)*time.Hour)
	limiter := ratelimit.New(ratelimit.Config{
		Budgets: map[ratelimit.Kind]ratelimit.Budget{
			ratelimit.KindMessage: {PerMinute: cfg.RateLimitMessage.PerMinute, PerHour: cfg.RateLimitMessage.PerHour},
			ratelimit.KindImage:   {PerMinute: cfg.RateLimitImage.PerMinute, PerHour: cfg.RateLimitImage.PerHour},
			ratelimit.KindAudio:   {PerMinute: cfg.RateLimitAudio.PerMinute, PerHour: cfg.RateLimitAudio.PerHour},
		},
		SpamWindow:      cfg.SpamWindow,
		SpamMaxInWindow: cfg.SpamMaxInWindow,
	}, db, logging.Named(log, "rate-limiter"))

	retryCfg := retry.Config{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		JitterFactor: 0.2,
		ShouldRetry:  flowerrors.IsConcurrency,
	}

	analyzer := NewLogMediaAnalyzer(logging.Named(log, "media-analyzer"))

	ingress := webhookhttp.New(webhookhttp.Config{
		VerifyToken:             cfg.WebhookVerifyToken,
		AppSecret:               cfg.WebhookAppSecret,
		SkipSignatureValidation: cfg.SkipSignatureValidation,
		IsProduction:            cfg.IsProduction(),
		RateLimitText:           "Estás enviando mensajes muy rápido, espera un momento antes de continuar.",
		BackgroundBusyText:      "Estamos procesando varias imágenes a la vez, por favor reenvía en un momento.",
		BackgroundFailureText:   "No pudimos procesar tu imagen. Intenta enviarla de nuevo.",
	}, store, dedupStore, limiter, manager, pool, analyzer, dlqStore, notifier, retryCfg, logging.Named(log, "webhook-ingress"))

	return &runtime{
		db:       db,
		store:    store,
		notifier: notifier,
		breaker:  cb,
		registry: registry,
		manager:  manager,
		pool:     pool,
		reaper:   reaperInst,
		ingress:  ingress,
		log:      log,
	}, nil
}

func logLevelFor(cfg config.Config) logging.Level {
	if cfg.IsProduction() {
		return logging.LevelInfo
	}
	return logging.LevelDebug
}

// Close releases the shared Badger handle. The worker pool and reaper
// have no persistent resources of their own beyond it.
func (rt *runtime) Close() error {
	return rt.db.Close()
}
