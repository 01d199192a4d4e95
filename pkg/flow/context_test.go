// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleutian/flowengine/internal/storage/badgerkv"
	"github.com/aleutian/flowengine/pkg/session"
)

func newTestStore(t *testing.T) session.Store {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return session.NewBadgerStore(db, session.DefaultCacheConfig())
}

func TestSequential_AdvanceAndRetreatStep(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-seq")
	require.NoError(t, err)

	seq := &Sequential{Base: newBase("user-seq", store, sess, IngressContext{}, nil)}
	require.NoError(t, seq.AdvanceStep())
	require.NoError(t, seq.AdvanceStep())
	assert.Equal(t, 2, seq.Step())

	require.NoError(t, seq.RetreatStep())
	assert.Equal(t, 1, seq.Step())
}

func TestSequential_RetreatStepFloorsAtZero(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-floor")
	require.NoError(t, err)
	seq := &Sequential{Base: newBase("user-floor", store, sess, IngressContext{}, nil)}

	require.NoError(t, seq.RetreatStep())
	assert.Equal(t, 0, seq.Step())
}

func TestSequential_CompleteAndAbort(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-complete")
	require.NoError(t, err)
	seq := &Sequential{Base: newBase("user-complete", store, sess, IngressContext{}, nil)}

	require.NoError(t, seq.Complete())
	assert.Equal(t, session.StateFinalizado, seq.Session().State)

	require.NoError(t, seq.Abort())
	assert.Equal(t, session.StateCancelado, seq.Session().State)
}

func TestFieldBag_UpdateFieldAndCompletion(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-fields")
	require.NoError(t, err)
	bag := &FieldBag{Base: newBase("user-fields", store, sess, IngressContext{}, nil), required: []string{"name", "address"}}

	missing := bag.GetMissingFields()
	assert.ElementsMatch(t, []string{"name", "address"}, missing)
	assert.False(t, bag.AllFieldsComplete())

	require.NoError(t, bag.UpdateField("name", "Alice", "user", 1.0))
	value, ok := bag.GetField("name")
	require.True(t, ok)
	assert.Equal(t, "Alice", value)

	stats := bag.Completion()
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 2, stats.Total)
	assert.InDelta(t, 50.0, stats.Pct, 0.001)

	require.NoError(t, bag.UpdateField("address", "123 Main St", "ocr", 0.8))
	assert.True(t, bag.AllFieldsComplete())
}

func TestFieldBag_UpdateFieldsBatch(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-batch")
	require.NoError(t, err)
	bag := &FieldBag{Base: newBase("user-batch", store, sess, IngressContext{}, nil), required: []string{"a", "b"}}

	require.NoError(t, bag.UpdateFields(map[string]FieldUpdate{
		"a": {Value: 1, Source: "user"},
		"b": {Value: 2, Source: "user"},
	}))
	assert.True(t, bag.AllFieldsComplete())
}

func TestFieldBag_ConfirmationAcceptFlow(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-confirm")
	require.NoError(t, err)
	bag := &FieldBag{Base: newBase("user-confirm", store, sess, IngressContext{}, nil)}

	require.NoError(t, bag.RequestConfirmation("SIGUIENTE_PASO", map[string]any{"x": 1}))
	nextState, err := bag.AcceptConfirmation()
	require.NoError(t, err)
	assert.Equal(t, "SIGUIENTE_PASO", nextState)
	assert.Equal(t, "SIGUIENTE_PASO", bag.Session().State)
}

func TestFieldBag_ConfirmationRejectFlow(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-reject")
	require.NoError(t, err)
	bag := &FieldBag{Base: newBase("user-reject", store, sess, IngressContext{}, nil)}

	require.NoError(t, bag.RequestConfirmation("SIGUIENTE_PASO", nil))
	require.NoError(t, bag.RejectConfirmation("PASO_ANTERIOR"))
	assert.Equal(t, "PASO_ANTERIOR", bag.Session().State)
}

func TestFieldBag_AttachAndLookupEquipment(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-equip")
	require.NoError(t, err)
	bag := &FieldBag{Base: newBase("user-equip", store, sess, IngressContext{}, nil)}

	require.NoError(t, bag.AttachEquipment("equipo-42"))
	assert.Equal(t, "equipo-42", bag.Session().EquipoID)

	_, ok := bag.LookupEquipmentByCode("AB-1")
	assert.False(t, ok, "no collaborator configured, lookup must report not found rather than panic")
}

func TestBase_ChangeStatePreservesVersionOnConcurrencyError(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Load("user-race")
	require.NoError(t, err)
	base := newBase("user-race", store, sess, IngressContext{}, nil)

	// Someone else commits first, advancing the stored version.
	other := sess.Clone()
	other.State = "ELSEWHERE"
	_, err = store.Commit(other)
	require.NoError(t, err)

	err = base.ChangeState("SOMEWHERE")
	require.Error(t, err)
	assert.Equal(t, int64(0), base.Version(), "in-memory version must not advance on ConcurrencyError")
}
