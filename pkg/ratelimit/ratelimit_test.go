// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleutian/flowengine/internal/storage/badgerkv"
)

// testConfig keeps the spam guard effectively disabled so budget tests
// can exercise per-minute/per-hour limits without tripping it; spam
// behavior gets its own config in the spam-specific tests below.
func testConfig() Config {
	return Config{
		Budgets: map[Kind]Budget{
			KindMessage: {PerMinute: 10, PerHour: 200},
			KindImage:   {PerMinute: 4, PerHour: 40},
		},
		SpamWindow:      10 * time.Second,
		SpamMaxInWindow: 1000,
	}
}

func spamConfig() Config {
	cfg := testConfig()
	cfg.SpamMaxInWindow = 8
	return cfg
}

func TestCheck_AllowsWithinBudgetDistributed(t *testing.T) {
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	limiter := New(testConfig(), db, nil)

	for i := 0; i < 10; i++ {
		decision, err := limiter.Check("+52155", KindMessage)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		limiter.Record("+52155", KindMessage)
	}

	decision, err := limiter.Check("+52155", KindMessage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "budget_exceeded", decision.Reason)
}

func TestCheck_DeniedRequestDoesNotConsumeBudget(t *testing.T) {
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	limiter := New(testConfig(), db, nil)

	for i := 0; i < 4; i++ {
		decision, err := limiter.Check("+52177", KindImage)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		limiter.Record("+52177", KindImage)
	}

	// This one is denied, and must NOT be recorded by the caller.
	decision, err := limiter.Check("+52177", KindImage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// Checking again without having recorded must still be denied,
	// not newly-allowed, confirming budget state didn't change.
	decision, err = limiter.Check("+52177", KindImage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestCheck_UnconfiguredKindIsAlwaysAllowed(t *testing.T) {
	limiter := New(Config{Budgets: map[Kind]Budget{}}, nil, nil)
	decision, err := limiter.Check("someone", Kind("location"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheck_FallsBackToLocalWhenNoDistributedBackend(t *testing.T) {
	limiter := New(testConfig(), nil, nil)

	for i := 0; i < 10; i++ {
		decision, err := limiter.Check("dana", KindMessage)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		limiter.Record("dana", KindMessage)
	}
	decision, err := limiter.Check("dana", KindMessage)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestIsSpamming_TripsAfterMaxInWindow(t *testing.T) {
	limiter := New(spamConfig(), nil, nil)

	for i := 0; i < 9; i++ {
		limiter.Record("spammer", KindMessage)
	}
	assert.True(t, limiter.IsSpamming("spammer"))
}

func TestIsSpamming_FalseForQuietIdentity(t *testing.T) {
	limiter := New(spamConfig(), nil, nil)
	limiter.Record("calm", KindMessage)
	assert.False(t, limiter.IsSpamming("calm"))
}
