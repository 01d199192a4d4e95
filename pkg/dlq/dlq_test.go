// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dlq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleutian/flowengine/internal/storage/badgerkv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestWrite_PersistsPendingRecordWithErrorText(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Write(`{"type":"text"}`, errors.New("handler exploded"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pending, err := store.List(StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, `{"type":"text"}`, pending[0].Payload)
	assert.Equal(t, "handler exploded", pending[0].Error)
	assert.Equal(t, StatusPending, pending[0].Status)
}

func TestWrite_NilCauseLeavesErrorEmpty(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Write("payload", nil)
	require.NoError(t, err)

	pending, err := store.List(StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Empty(t, pending[0].Error)
}

func TestMarkFailed_MovesRecordOutOfPendingList(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Write("payload", errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(id))

	pending, err := store.List(StatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := store.List(StatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestList_RespectsLimit(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := store.Write("payload", errors.New("err"))
		require.NoError(t, err)
	}

	limited, err := store.List(StatusPending, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMarkFailed_UnknownIDReturnsError(t *testing.T) {
	store := newTestStore(t)
	err := store.MarkFailed("does-not-exist")
	assert.Error(t, err)
}
