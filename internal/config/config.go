// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the flow engine's runtime configuration from
// environment variables (with an optional YAML overlay file), applying
// the same "env var with a logged fallback" idiom the orchestrator
// service uses for its own startup configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aleutian/flowengine/internal/flowerrors"
)

// RateBudget is a per-minute / per-hour request allowance for one
// message kind (text, image, audio).
type RateBudget struct {
	PerMinute int `yaml:"perMinute"`
	PerHour   int `yaml:"perHour"`
}

// Config is the fully-resolved runtime configuration, matching every
// item enumerated in the spec's "Configuration (enumerated)" section.
type Config struct {
	Environment string `yaml:"environment"` // "production" or "development"

	SessionWarningMinutes int `yaml:"sessionWarningMinutes"`
	SessionTimeoutMinutes int `yaml:"sessionTimeoutMinutes"`

	RetryMaxAttempts  int           `yaml:"retryMaxAttempts"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`

	RateLimitMessage RateBudget `yaml:"rateLimitMessage"`
	RateLimitImage   RateBudget `yaml:"rateLimitImage"`
	RateLimitAudio   RateBudget `yaml:"rateLimitAudio"`

	SpamWindow      time.Duration `yaml:"spamWindow"`
	SpamMaxInWindow int           `yaml:"spamMaxInWindow"`

	BackgroundMaxConcurrent int `yaml:"backgroundMaxConcurrent"`

	DedupRetentionHours int `yaml:"dedupRetentionHours"`

	CircuitFailureThreshold int           `yaml:"circuitFailureThreshold"`
	CircuitCooldown         time.Duration `yaml:"circuitCooldown"`

	WebhookVerifyToken string `yaml:"webhookVerifyToken"`
	WebhookAppSecret   string `yaml:"webhookAppSecret"`

	CacheMaxEntries int           `yaml:"cacheMaxEntries"`
	CacheTTL        time.Duration `yaml:"cacheTTL"`

	SkipSignatureValidation bool `yaml:"skipSignatureValidation"`

	DataDir string `yaml:"dataDir"`
}

// Default returns the documented defaults from the spec: 25/30 minute
// session warning/timeout, 3 retry attempts, 4-way background
// concurrency, and so on. Callers overlay environment variables and an
// optional file on top of this.
func Default() Config {
	return Config{
		Environment:             "development",
		SessionWarningMinutes:   25,
		SessionTimeoutMinutes:   30,
		RetryMaxAttempts:        3,
		RetryBaseDelay:          200 * time.Millisecond,
		RetryMaxDelay:           5 * time.Second,
		RateLimitMessage:        RateBudget{PerMinute: 10, PerHour: 200},
		RateLimitImage:          RateBudget{PerMinute: 4, PerHour: 40},
		RateLimitAudio:          RateBudget{PerMinute: 4, PerHour: 40},
		SpamWindow:              10 * time.Second,
		SpamMaxInWindow:         8,
		BackgroundMaxConcurrent: 4,
		DedupRetentionHours:     48,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         30 * time.Second,
		CacheMaxEntries:         10_000,
		CacheTTL:                5 * time.Minute,
		SkipSignatureValidation: false,
		DataDir:                 "./data/flowengine",
	}
}

// Load resolves configuration from defaults, an optional YAML file
// (yamlPath, ignored if empty or missing), and environment variables,
// in that priority order (env wins). It then validates the result.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %q: %w", yamlPath, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWENGINE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v, ok := envInt("SESSION_WARNING_MINUTES"); ok {
		cfg.SessionWarningMinutes = v
	}
	if v, ok := envInt("SESSION_TIMEOUT_MINUTES"); ok {
		cfg.SessionTimeoutMinutes = v
	}
	if v, ok := envInt("RETRY_MAX_ATTEMPTS"); ok {
		cfg.RetryMaxAttempts = v
	}
	if v := os.Getenv("WEBHOOK_VERIFY_TOKEN"); v != "" {
		cfg.WebhookVerifyToken = v
	}
	if v := os.Getenv("WEBHOOK_APP_SECRET"); v != "" {
		cfg.WebhookAppSecret = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	// Outside production, allow explicitly skipping signature checks for
	// local development against a webhook simulator.
	if cfg.Environment != "production" && os.Getenv("SKIP_SIGNATURE_VALIDATION") == "true" {
		cfg.SkipSignatureValidation = true
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate enforces the one configuration invariant the spec calls
// fatal at startup: a production deployment must have a webhook app
// secret to verify signatures against, and skipSignatureValidation is
// only ever honored outside production.
func (c Config) Validate() error {
	if c.Environment == "production" {
		if c.WebhookAppSecret == "" {
			return &flowerrors.ConfigurationError{Key: "webhook.appSecret", Reason: "required in production"}
		}
		if c.SkipSignatureValidation {
			return &flowerrors.ConfigurationError{Key: "env.skipSignatureValidation", Reason: "must not be true in production"}
		}
	}
	if c.BackgroundMaxConcurrent < 1 {
		return &flowerrors.ConfigurationError{Key: "background.maxConcurrent", Reason: "must be >= 1"}
	}
	if c.SessionTimeoutMinutes <= c.SessionWarningMinutes {
		return &flowerrors.ConfigurationError{Key: "session.timeoutMinutes", Reason: "must exceed session.warningMinutes"}
	}
	return nil
}

// IsProduction is a convenience accessor used by the webhook ingress to
// decide whether signature failures are fatal (401) or merely logged.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
