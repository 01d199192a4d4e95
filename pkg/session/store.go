// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/metrics"
)

// Store is the persistence contract every flow handler, the
// reaper, and the background worker pool depend on. All methods are
// safe for concurrent use.
type Store interface {
	// Load returns identity's session, creating one in StateInicio if
	// none exists yet. It may be served from cache and can be stale by
	// up to the cache TTL. Concurrent misses for the same identity are
	// coalesced into a single durable read.
	Load(identity string) (Session, error)

	// LoadFresh bypasses the cache entirely, always reading the
	// current durable row. Callers that must not act on a stale
	// Version — the retry engine re-reading before each attempt, the
	// background worker resuming a session — use this instead of Load.
	LoadFresh(identity string) (Session, error)

	// Commit persists s if and only if the stored row's Version still
	// equals s.Version, then increments the written Version by one and
	// refreshes the cache entry. On mismatch it returns
	// *flowerrors.ConcurrencyError and leaves the stored row untouched.
	Commit(s Session) (Session, error)

	// TouchActivity updates LastActivityAt (and clears WarningSent) for
	// identity against its current stored row, with no caller-supplied
	// version (it rereads and commits, retrying once on a conflict),
	// used on every inbound message regardless of flow outcome.
	TouchActivity(identity string) error

	// InvalidateCache drops identity's cache entry, if any.
	InvalidateCache(identity string)

	// NeedingWarning returns identities whose LastActivityAt is older
	// than warningAfter but who have not yet been sent a warning.
	NeedingWarning(warningAfter time.Duration) ([]string, error)

	// NeedingClose returns identities whose LastActivityAt is older
	// than closeAfter and who have already been sent a warning.
	NeedingClose(closeAfter time.Duration) ([]string, error)

	// MarkWarningSent sets WarningSent for identity.
	MarkWarningSent(identity string) error

	// SetDisplayName records the provider-supplied contact name for
	// identity, fire-and-forget from the webhook ingress's contacts-
	// array enrichment; it never blocks message dispatch.
	SetDisplayName(identity, name string) error

	// CloseByTimeout resets identity to StateInicio, clearing TempData,
	// EquipoID, and WarningSent, as the reaper's close phase does.
	CloseByTimeout(identity string) error

	// Stats reports cache effectiveness for operational dashboards.
	Stats() CacheStats
}

const keyPrefix = "session:"

func key(identity string) []byte {
	return []byte(keyPrefix + identity)
}

// badgerStore is the Badger-backed Store implementation shared by the
// webhook ingress, the flow dispatcher, the background worker, and the
// timeout reaper.
type badgerStore struct {
	db    *badger.DB
	cache *cache
}

// NewBadgerStore wraps db with a bounded write-through cache per cfg.
func NewBadgerStore(db *badger.DB, cfg CacheConfig) Store {
	return &badgerStore{db: db, cache: newCache(cfg)}
}

func (s *badgerStore) Load(identity string) (Session, error) {
	return s.cache.getOrLoad(identity, func() (Session, error) {
		return s.readOrCreate(identity)
	})
}

func (s *badgerStore) LoadFresh(identity string) (Session, error) {
	sess, err := s.readOrCreate(identity)
	if err != nil {
		return Session{}, err
	}
	s.cache.put(sess)
	return sess, nil
}

func (s *badgerStore) readOrCreate(identity string) (Session, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(identity))
		if err == badger.ErrKeyNotFound {
			sess = New(identity)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return Session{}, fmt.Errorf("reading session %q: %w", identity, err)
	}
	return sess, nil
}

func (s *badgerStore) Commit(next Session) (Session, error) {
	var committed Session
	err := s.db.Update(func(txn *badger.Txn) error {
		var current Session
		item, err := txn.Get(key(next.Identity))
		switch {
		case err == badger.ErrKeyNotFound:
			current = New(next.Identity)
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
		}

		if current.Version != next.Version {
			return &flowerrors.ConcurrencyError{
				Identity:        next.Identity,
				ExpectedVersion: next.Version,
				ActualVersion:   current.Version,
			}
		}

		committed = next.Clone()
		committed.Version = next.Version + 1
		if IsTerminal(committed.State) {
			committed.TempData = map[string]any{}
			committed.EquipoID = ""
		}

		data, err := json.Marshal(committed)
		if err != nil {
			return fmt.Errorf("marshaling session %q: %w", next.Identity, err)
		}
		return txn.Set(key(next.Identity), data)
	})

	if err != nil {
		if concErr, ok := flowerrors.AsConcurrency(err); ok {
			metrics.SessionCommits.WithLabelValues("concurrency_conflict").Inc()
			s.cache.invalidate(next.Identity)
			return Session{}, concErr
		}
		metrics.SessionCommits.WithLabelValues("error").Inc()
		return Session{}, err
	}

	metrics.SessionCommits.WithLabelValues("ok").Inc()
	s.cache.put(committed)
	return committed, nil
}

func (s *badgerStore) TouchActivity(identity string) error {
	return s.mutateInPlace(identity, func(sess *Session) {
		sess.LastActivityAt = time.Now()
		sess.WarningSent = false
	})
}

func (s *badgerStore) MarkWarningSent(identity string) error {
	return s.mutateInPlace(identity, func(sess *Session) {
		sess.WarningSent = true
	})
}

func (s *badgerStore) SetDisplayName(identity, name string) error {
	return s.mutateInPlace(identity, func(sess *Session) {
		sess.UserDisplayName = name
	})
}

func (s *badgerStore) CloseByTimeout(identity string) error {
	return s.mutateInPlace(identity, func(sess *Session) {
		sess.State = StateInicio
		sess.TempData = map[string]any{}
		sess.EquipoID = ""
		sess.WarningSent = false
	})
}

// mutateInPlace applies fn to the current row and writes it back with
// an incremented Version, retrying once on a concurrency conflict since
// these are reaper/ingress housekeeping writes, not user-visible flow
// transitions subject to the retry engine's backoff policy.
func (s *badgerStore) mutateInPlace(identity string, fn func(*Session)) error {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := s.readOrCreate(identity)
		if err != nil {
			return err
		}
		fn(&sess)
		if _, err := s.Commit(sess); err != nil {
			if _, ok := flowerrors.AsConcurrency(err); ok && attempt == 0 {
				continue
			}
			return err
		}
		return nil
	}
	return &flowerrors.ConcurrencyError{Identity: identity}
}

func (s *badgerStore) InvalidateCache(identity string) {
	s.cache.invalidate(identity)
}

func (s *badgerStore) Stats() CacheStats {
	return s.cache.stats()
}

func (s *badgerStore) NeedingWarning(warningAfter time.Duration) ([]string, error) {
	return s.scanIdentities(func(sess Session) bool {
		return !IsTerminal(sess.State) && !sess.WarningSent && time.Since(sess.LastActivityAt) > warningAfter
	})
}

func (s *badgerStore) NeedingClose(closeAfter time.Duration) ([]string, error) {
	return s.scanIdentities(func(sess Session) bool {
		return !IsTerminal(sess.State) && sess.WarningSent && time.Since(sess.LastActivityAt) > closeAfter
	})
}

func (s *badgerStore) scanIdentities(match func(Session) bool) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var sess Session
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			}); err != nil {
				return err
			}
			if match(sess) {
				out = append(out, sess.Identity)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return out, nil
}
