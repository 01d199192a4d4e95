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

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/storage/badgerkv"
	"github.com/aleutian/flowengine/pkg/session"
)

func newTestRegistry(t *testing.T) (*Registry, session.Store) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := session.NewBadgerStore(db, session.DefaultCacheConfig())
	return New(store, nil, nil), store
}

func consultaFlow() *Definition {
	return &Definition{
		Name:        "CONSULTA",
		ContextKind: KindSequential,
		States:      map[string]struct{}{"CONSULTA_DOCUMENTOS": {}},
		Handlers:    map[string]string{"CONSULTA_DOCUMENTOS": "processStep"},
		Buttons: map[string]ButtonBinding{
			"consulta_reiniciar": {HandlerName: "processStep"},
		},
		Callables: map[string]Handler{
			"processStep": func(ctx Context, event Event) error {
				return ctx.ChangeState(session.StateFinalizado)
			},
		},
	}
}

func TestRegister_RejectsDuplicateStateOwnership(t *testing.T) {
	registry, _ := newTestRegistry(t)
	require.NoError(t, registry.Register(consultaFlow()))

	conflicting := &Definition{
		Name:      "OTHER",
		States:    map[string]struct{}{"CONSULTA_DOCUMENTOS": {}},
		Handlers:  map[string]string{"CONSULTA_DOCUMENTOS": "h"},
		Callables: map[string]Handler{"h": func(Context, Event) error { return nil }},
	}
	err := registry.Register(conflicting)
	require.Error(t, err)
}

func TestDispatchMessage_HappyPath(t *testing.T) {
	registry, store := newTestRegistry(t)
	require.NoError(t, registry.Register(consultaFlow()))

	sess, err := store.Load("+52155")
	require.NoError(t, err)
	sess.State = "CONSULTA_DOCUMENTOS"
	sess, err = store.Commit(sess)
	require.NoError(t, err)
	startVersion := sess.Version

	handled, err := registry.DispatchMessage(sess, "1", IngressContext{CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52155")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalizado, fresh.State)
	assert.Equal(t, startVersion+1, fresh.Version)
	assert.Empty(t, fresh.TempData)
}

func TestDispatchMessage_UnownedStateReturnsNotHandled(t *testing.T) {
	registry, store := newTestRegistry(t)
	require.NoError(t, registry.Register(consultaFlow()))

	sess, err := store.Load("nobody")
	require.NoError(t, err)
	sess.State = "UNOWNED_STATE"

	handled, err := registry.DispatchMessage(sess, "x", IngressContext{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDispatchButton_WithStaticParams(t *testing.T) {
	registry, store := newTestRegistry(t)
	var gotParams any
	flowDef := &Definition{
		Name:        "REPORT",
		ContextKind: KindSequential,
		States:      map[string]struct{}{"REPORT_ESPERA": {}},
		Handlers:    map[string]string{"REPORT_ESPERA": "onConfirm"},
		Buttons: map[string]ButtonBinding{
			"confirm_yes": {HandlerName: "onConfirm", StaticParams: "yes"},
		},
		Callables: map[string]Handler{
			"onConfirm": func(ctx Context, event Event) error {
				gotParams = event.Params
				return ctx.ChangeState(session.StateFinalizado)
			},
		},
	}
	require.NoError(t, registry.Register(flowDef))

	sess, err := store.Load("+52166")
	require.NoError(t, err)
	sess.State = "REPORT_ESPERA"
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchButton(sess, "confirm_yes", IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "yes", gotParams)
}

func TestDispatchButton_UnknownIDReturnsNotHandled(t *testing.T) {
	registry, store := newTestRegistry(t)
	require.NoError(t, registry.Register(consultaFlow()))

	sess, err := store.Load("someone")
	require.NoError(t, err)

	handled, err := registry.DispatchButton(sess, "nope", IngressContext{})
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestDeregister_RestoresHasHandlerForStateToFalse(t *testing.T) {
	registry, _ := newTestRegistry(t)
	require.NoError(t, registry.Register(consultaFlow()))
	require.True(t, registry.HasHandlerForState("CONSULTA_DOCUMENTOS"))

	registry.Deregister("CONSULTA")
	assert.False(t, registry.HasHandlerForState("CONSULTA_DOCUMENTOS"))
}

func TestDispatchMessage_HandlerPanicBecomesError(t *testing.T) {
	registry, store := newTestRegistry(t)
	flowDef := &Definition{
		Name:        "PANICKY",
		ContextKind: KindSequential,
		States:      map[string]struct{}{"PANIC_STATE": {}},
		Handlers:    map[string]string{"PANIC_STATE": "boom"},
		Callables: map[string]Handler{
			"boom": func(ctx Context, event Event) error {
				panic("handler exploded")
			},
		},
	}
	require.NoError(t, registry.Register(flowDef))

	sess, err := store.Load("unlucky")
	require.NoError(t, err)
	sess.State = "PANIC_STATE"

	handled, err := registry.DispatchMessage(sess, "x", IngressContext{})
	assert.True(t, handled)
	require.Error(t, err)
}

func TestDispatchMessage_ConcurrencyErrorSurfacesUnchanged(t *testing.T) {
	registry, store := newTestRegistry(t)
	flowDef := &Definition{
		Name:        "RACER",
		ContextKind: KindSequential,
		States:      map[string]struct{}{"RACE_STATE": {}},
		Handlers:    map[string]string{"RACE_STATE": "race"},
		Callables: map[string]Handler{
			"race": func(ctx Context, event Event) error {
				return ctx.ChangeState(session.StateFinalizado)
			},
		},
	}
	require.NoError(t, registry.Register(flowDef))

	sess, err := store.Load("racer-1")
	require.NoError(t, err)
	sess.State = "RACE_STATE"
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	// Advance the stored version behind the handler's back before
	// dispatch, so its ChangeState commit is guaranteed to conflict.
	winner := sess
	winner.State = "RACE_STATE"
	_, err = store.Commit(winner)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "x", IngressContext{})
	assert.True(t, handled)
	require.Error(t, err)
	assert.True(t, flowerrors.IsConcurrency(err))
}
