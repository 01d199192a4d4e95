// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dlq persists inbound payloads that a handler failed to
// process, so the webhook ingress can always answer 200 after a
// successful dedup claim without losing the failure.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/metrics"
)

// Status is the lifecycle state of a dead-letter record.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Record is one dead-lettered inbound event.
type Record struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// Sink is the write side the webhook ingress depends on.
type Sink interface {
	// Write persists a new dead-letter record for payload, describing
	// cause, and returns the assigned record id.
	Write(payload string, cause error) (string, error)
	// MarkFailed transitions a record from pending to failed, for a
	// reprocessing attempt that itself did not succeed.
	MarkFailed(id string) error
	// List returns up to limit records in a given status, oldest first.
	List(status Status, limit int) ([]Record, error)
}

const keyPrefix = "dlq:"

func key(id string) []byte { return []byte(keyPrefix + id) }

// Store is the Badger-backed Sink implementation.
type Store struct {
	db *badger.DB
}

// NewStore wraps db as a dead-letter sink.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Write(payload string, cause error) (string, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	record := Record{
		ID:        uuid.NewString(),
		Payload:   payload,
		Error:     errText,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}

	if err := s.put(record); err != nil {
		return "", err
	}
	metrics.DLQWrites.WithLabelValues(errorKind(cause)).Inc()
	return record.ID, nil
}

func (s *Store) MarkFailed(id string) error {
	var record Record
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return fmt.Errorf("loading dlq record %q: %w", id, err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return err
		}
		record.Status = StatusFailed
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(key(id), data)
	})
	return err
}

// errorKind classifies cause for the writes_total metric's "kind"
// label, matching the error taxonomy's named kinds; anything that
// doesn't match one of the typed errors falls under "unknown".
func errorKind(cause error) string {
	switch {
	case cause == nil:
		return "unknown"
	case flowerrors.IsConcurrency(cause):
		return "concurrency"
	default:
		var ext *flowerrors.ExternalServiceError
		if errors.As(cause, &ext) {
			return "external_service"
		}
		var to *flowerrors.TimeoutError
		if errors.As(cause, &to) {
			return "timeout"
		}
		var val *flowerrors.ValidationError
		if errors.As(cause, &val) {
			return "validation"
		}
		return "unknown"
	}
}

func (s *Store) List(status Status, limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			if record.Status == status {
				out = append(out, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing dlq records: %w", err)
	}
	// Keys are random UUIDs, so iteration order says nothing about age.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) put(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling dlq record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(record.ID), data)
	})
}
