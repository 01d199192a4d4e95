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
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aleutian/flowengine/internal/metrics"
)

// CacheConfig bounds the session cache's size and entry lifetime.
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultCacheConfig mirrors config.Default()'s cache settings so the
// cache can be constructed standalone in tests.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 10_000, TTL: 5 * time.Minute}
}

type cacheEntry struct {
	identity  string
	session   Session
	createdAt time.Time
}

// cache is a bounded, TTL-expiring, least-recently-used session cache.
// Reads and writes go through it; a miss or expired entry falls back to
// the store's durable backend. It never itself decides staleness beyond
// the TTL — LoadFresh bypasses it entirely for callers needing the
// current on-disk Version.
//
// There is no third-party LRU library anywhere in this system's
// dependency stack, so eviction order is tracked with container/list
// rather than reached for an external package.
type cache struct {
	mu     sync.Mutex
	cfg    CacheConfig
	ll     *list.List // front = most recently used
	index  map[string]*list.Element
	flight singleflight.Group

	hits   int64
	misses int64
}

func newCache(cfg CacheConfig) *cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &cache{
		cfg:   cfg,
		ll:    list.New(),
		index: make(map[string]*list.Element),
	}
}

// get returns a cloned session for identity if present and unexpired.
func (c *cache) get(identity string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[identity]
	if !ok {
		c.misses++
		metrics.CacheMisses.Inc()
		return Session{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.createdAt) > c.cfg.TTL {
		c.ll.Remove(el)
		delete(c.index, identity)
		c.misses++
		metrics.CacheMisses.Inc()
		return Session{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	metrics.CacheHits.Inc()
	return entry.session.Clone(), true
}

// getOrLoad returns identity's cached session, falling back to load on a
// miss or expired entry. Concurrent misses for the same identity are
// coalesced into a single call to load, so a burst of inbound messages
// for an identity with no warm cache entry reads the durable store once
// rather than once per message.
func (c *cache) getOrLoad(identity string, load func() (Session, error)) (Session, error) {
	if sess, ok := c.get(identity); ok {
		return sess, nil
	}
	v, err, _ := c.flight.Do(identity, func() (any, error) {
		if sess, ok := c.get(identity); ok {
			return sess, nil
		}
		sess, err := load()
		if err != nil {
			return Session{}, err
		}
		c.put(sess)
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session).Clone(), nil
}

// put inserts or replaces the cached entry for s.Identity, evicting the
// least-recently-used entry first if the cache is at capacity.
func (c *cache) put(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := s.Clone()
	if el, ok := c.index[s.Identity]; ok {
		el.Value.(*cacheEntry).session = stored
		el.Value.(*cacheEntry).createdAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}
	if c.ll.Len() >= c.cfg.MaxEntries {
		c.evictOldest()
	}
	el := c.ll.PushFront(&cacheEntry{identity: s.Identity, session: stored, createdAt: time.Now()})
	c.index[s.Identity] = el
}

// invalidate removes identity's entry, forcing the next Load to read
// through to the store.
func (c *cache) invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[identity]; ok {
		c.ll.Remove(el)
		delete(c.index, identity)
	}
}

func (c *cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.index, el.Value.(*cacheEntry).identity)
}

// CacheStats summarizes cache effectiveness for diagnostics.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (c *cache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{Entries: c.ll.Len(), Hits: c.hits, Misses: c.misses, HitRate: rate}
}
