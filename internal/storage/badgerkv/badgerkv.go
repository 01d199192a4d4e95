// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerkv opens embedded BadgerDB handles for the session
// store, message-dedup table, and the rate limiter's distributed-tier
// counters, so all three share one on-disk (or in-memory, for tests)
// key-value engine instead of each rolling its own persistence.
package badgerkv

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// OpenWithPath opens (creating if absent) a durable Badger database
// rooted at dir. Badger's own logger is silenced; callers log open/
// close events themselves via internal/logging.
func OpenWithPath(dir string) (*badger.DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating badger dir %q: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db at %q: %w", dir, err)
	}
	return db, nil
}

// OpenInMemory opens a Badger database with no on-disk footprint,
// used by unit tests and by components that only need process-local
// durability (e.g. the rate limiter's local fallback tier).
func OpenInMemory() (*badger.DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory badger db: %w", err)
	}
	return db, nil
}

// TempDir creates a fresh temporary directory for a persistent Badger
// database under a test, using the standard library's pattern so
// callers don't need to hand-manage collisions between parallel tests.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}

// CleanupDir removes a directory created by TempDir. Errors are
// ignored — test cleanup should never fail the test itself.
func CleanupDir(dir string) {
	_ = os.RemoveAll(dir)
}
