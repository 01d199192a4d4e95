// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetOrLoad_CoalescesConcurrentMisses(t *testing.T) {
	c := newCache(DefaultCacheConfig())

	var loads int32
	release := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(1)

	load := func() (Session, error) {
		atomic.AddInt32(&loads, 1)
		ready.Done()
		<-release
		return New("+15555550100"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Session, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.getOrLoad("+15555550100", load)
		}(i)
	}

	ready.Wait()
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&loads), "concurrent misses for the same identity must coalesce into a single load")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "+15555550100", results[i].Identity)
	}
}

func TestCache_GetOrLoad_ReturnsIndependentSessionClones(t *testing.T) {
	c := newCache(DefaultCacheConfig())

	load := func() (Session, error) {
		sess := New("+15555550100")
		sess.TempData["k"] = "v"
		return sess, nil
	}

	a, err := c.getOrLoad("+15555550100", load)
	require.NoError(t, err)
	b, ok := c.get("+15555550100")
	require.True(t, ok)

	a.TempData["k"] = "mutated"
	assert.Equal(t, "v", b.TempData["k"], "mutating one caller's session must not affect the cached copy")
}

func TestCache_GetOrLoad_PropagatesLoadError(t *testing.T) {
	c := newCache(DefaultCacheConfig())

	_, err := c.getOrLoad("+15555550100", func() (Session, error) {
		return Session{}, assert.AnError
	})
	require.Error(t, err)

	_, ok := c.get("+15555550100")
	assert.False(t, ok, "a failed load must not populate the cache")
}

func TestCache_GetOrLoad_HitSkipsLoad(t *testing.T) {
	c := newCache(DefaultCacheConfig())
	c.put(New("+15555550100"))

	var loads int32
	sess, err := c.getOrLoad("+15555550100", func() (Session, error) {
		atomic.AddInt32(&loads, 1)
		return Session{}, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&loads))
	assert.Equal(t, "+15555550100", sess.Identity)
}

func TestCache_GetOrLoad_ExpiredEntryReloads(t *testing.T) {
	c := newCache(CacheConfig{MaxEntries: 10, TTL: time.Millisecond})
	c.put(New("+15555550100"))
	time.Sleep(5 * time.Millisecond)

	var loads int32
	_, err := c.getOrLoad("+15555550100", func() (Session, error) {
		atomic.AddInt32(&loads, 1)
		return New("+15555550100"), nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&loads))
}
