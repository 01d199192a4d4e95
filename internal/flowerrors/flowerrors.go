// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowerrors defines the error taxonomy shared by the session
// store, dispatcher, rate limiter, and webhook ingress. Kinds are
// distinguished by type, not by sentinel value, so callers can branch
// on them with errors.As instead of string matching.
package flowerrors

import (
	"errors"
	"fmt"
)

// ConcurrencyError is returned when a SessionStore.Commit's expected
// version does not match the stored version. The caller is expected
// to retry against a freshly loaded session.
type ConcurrencyError struct {
	Identity        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict for %q: expected version %d, stored version %d",
		e.Identity, e.ExpectedVersion, e.ActualVersion)
}

// RateLimitedError is returned when RateLimiter.Check denies a request.
type RateLimitedError struct {
	Identity string
	Kind     string
	Reason   string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: identity=%s kind=%s reason=%s", e.Identity, e.Kind, e.Reason)
}

// DuplicateError marks a message id already claimed by a prior delivery.
type DuplicateError struct {
	MessageID  string
	RetryCount int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate message %q (retry %d)", e.MessageID, e.RetryCount)
}

// ExternalServiceError wraps a failure from an outbound collaborator
// (messaging provider, OCR/vision model, blob storage) or reports that
// a CircuitBreaker refused the call.
type ExternalServiceError struct {
	Service string
	Cause   error
}

func (e *ExternalServiceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("external service %q unavailable", e.Service)
	}
	return fmt.Sprintf("external service %q failed: %v", e.Service, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error { return e.Cause }

// ValidationError signals malformed user input; the session remains in
// its current state and the handler should reply with guidance.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Reason)
}

// ConfigurationError signals a missing or invalid required setting,
// discovered either at startup or lazily at first use.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %q: %s", e.Key, e.Reason)
}

// TimeoutError signals that an ingress or background task's deadline
// elapsed before completion.
type TimeoutError struct {
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %q: %v", e.Operation, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// IsConcurrency reports whether err is (or wraps) a *ConcurrencyError.
func IsConcurrency(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// AsConcurrency extracts a *ConcurrencyError from err, if present.
func AsConcurrency(err error) (*ConcurrencyError, bool) {
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
