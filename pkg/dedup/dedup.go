// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup implements the processed-message record: an atomic
// first-writer-wins claim on an inbound message id, guaranteeing
// at-most-once handler invocation across webhook retries.
package dedup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aleutian/flowengine/internal/metrics"
)

// Record is the processed-message row claimed for one message id.
type Record struct {
	MessageID  string
	Identity   string
	ReceivedAt time.Time
	RetryCount int
}

// ClaimResult reports whether the claim was a first writer or observed
// a prior claim for the same message id.
type ClaimResult struct {
	IsDuplicate bool
	RetryCount  int
}

// Claimer is the at-most-once contract the webhook ingress depends on.
// ClaimMessage is the linearization point: if it returns IsDuplicate
// false, the caller is the sole owner of this message id and may run
// the handler; any other worker claiming the same id concurrently is
// guaranteed to observe IsDuplicate true.
type Claimer interface {
	ClaimMessage(messageID, identity string) (ClaimResult, error)
}

const keyPrefix = "dedup:"

func key(messageID string) []byte {
	return []byte(keyPrefix + messageID)
}

// Store is a Badger-backed Claimer with a bounded retention window.
// Badger's per-key TTL does the eviction work; there is no separate
// batch-eviction pass, and no in-memory fallback set: every claim goes
// through this Badger-backed store.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// NewStore returns a Claimer backed by db, retaining claims for
// retention (the spec requires this exceed the provider's retry
// horizon; the default config uses 48h).
func NewStore(db *badger.DB, retention time.Duration) *Store {
	return &Store{db: db, retention: retention}
}

// ClaimMessage attempts to insert a processed-message record for
// messageID. Badger's transaction conflict detection on the read-then-
// write below makes the claim atomic: if two goroutines race on the
// same key, one's commit fails and is retried as a duplicate
// observation rather than a second insert.
func (s *Store) ClaimMessage(messageID, identity string) (ClaimResult, error) {
	for {
		var result ClaimResult
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key(messageID))
			if err == nil {
				var existing Record
				if verr := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &existing)
				}); verr != nil {
					return verr
				}
				result = ClaimResult{IsDuplicate: true, RetryCount: existing.RetryCount + 1}
				existing.RetryCount = result.RetryCount
				data, merr := json.Marshal(existing)
				if merr != nil {
					return merr
				}
				entry := badger.NewEntry(key(messageID), data).WithTTL(s.retention)
				return txn.SetEntry(entry)
			}
			if err != badger.ErrKeyNotFound {
				return err
			}

			rec := Record{MessageID: messageID, Identity: identity, ReceivedAt: time.Now()}
			data, merr := json.Marshal(rec)
			if merr != nil {
				return merr
			}
			entry := badger.NewEntry(key(messageID), data).WithTTL(s.retention)
			result = ClaimResult{IsDuplicate: false}
			return txn.SetEntry(entry)
		})

		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return ClaimResult{}, fmt.Errorf("claiming message %q: %w", messageID, err)
		}

		outcome := "claimed"
		if result.IsDuplicate {
			outcome = "duplicate"
		}
		metrics.DedupClaims.WithLabelValues(outcome).Inc()
		return result, nil
	}
}
