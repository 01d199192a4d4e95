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

type recordingNotifier struct {
	sent []string
}

func (n *recordingNotifier) SendText(identity, text string) error {
	n.sent = append(n.sent, identity+":"+text)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *Registry, session.Store, *recordingNotifier) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := session.NewBadgerStore(db, session.DefaultCacheConfig())
	registry := New(store, nil, nil)
	notifier := &recordingNotifier{}
	manager := NewManager(registry, store, notifier, nil)
	manager.FarewellText = "Goodbye!"
	return manager, registry, store, notifier
}

func TestDispatchMessage_AgentTakeoverStateBlocksDispatch(t *testing.T) {
	manager, registry, store, _ := newTestManager(t)
	require.NoError(t, registry.Register(consultaFlow()))

	sess, err := store.Load("handed-off")
	require.NoError(t, err)
	sess.State = manager.AgentTakeoverState
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := manager.DispatchMessage("handed-off", "hi", sess, IngressContext{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDispatchButton_CancelFromTerminalState(t *testing.T) {
	manager, _, store, notifier := newTestManager(t)

	sess, err := store.Load("+52199")
	require.NoError(t, err)
	sess.State = session.StateFinalizado
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := manager.DispatchButton("+52199", "cancel", sess, IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52199")
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelado, fresh.State)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "+52199:Goodbye!", notifier.sent[0])
}

func TestDispatchButton_CancelTwiceLeavesCanceladoAndSendsFarewellEachTime(t *testing.T) {
	manager, _, store, notifier := newTestManager(t)

	sess, err := store.Load("+52177")
	require.NoError(t, err)
	sess.State = session.StateFinalizado
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	// The second Cancel finds the session already CANCELADO
	// (Cancel∘Cancel is a no-op on persisted state) and still fires
	// the farewell.
	handled, err := manager.DispatchButton("+52177", "cancel", sess, IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = manager.DispatchButton("+52177", "cancel", sess, IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52177")
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelado, fresh.State)
	assert.Len(t, notifier.sent, 2)
}

func TestDispatchButton_UnknownNonCancelReturnsNotHandled(t *testing.T) {
	manager, _, store, _ := newTestManager(t)
	sess, err := store.Load("someone")
	require.NoError(t, err)

	handled, err := manager.DispatchButton("someone", "mystery_id", sess, IngressContext{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestReactivateIfTerminal_CommitsInicioFromFinalizado(t *testing.T) {
	manager, _, store, _ := newTestManager(t)

	sess, err := store.Load("+52188")
	require.NoError(t, err)
	sess.State = session.StateFinalizado
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	reactivated, err := manager.ReactivateIfTerminal("+52188", sess)
	require.NoError(t, err)
	assert.Equal(t, session.StateInicio, reactivated.State)
}

func TestReactivateIfTerminal_NoOpWhenAlreadyInicio(t *testing.T) {
	manager, _, store, _ := newTestManager(t)
	sess, err := store.Load("fresh-user")
	require.NoError(t, err)

	reactivated, err := manager.ReactivateIfTerminal("fresh-user", sess)
	require.NoError(t, err)
	assert.Equal(t, sess.Version, reactivated.Version)
}

func TestReactivateIfTerminal_NoOpWhenNonTerminal(t *testing.T) {
	manager, _, store, _ := newTestManager(t)
	sess, err := store.Load("mid-flow")
	require.NoError(t, err)
	sess.State = "CONSULTA_DOCUMENTOS"
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	reactivated, err := manager.ReactivateIfTerminal("mid-flow", sess)
	require.NoError(t, err)
	assert.Equal(t, "CONSULTA_DOCUMENTOS", reactivated.State)
}
