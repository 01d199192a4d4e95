// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flows

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleutian/flowengine/internal/storage/badgerkv"
	"github.com/aleutian/flowengine/pkg/flow"
	"github.com/aleutian/flowengine/pkg/session"
)

type fakeEquipment struct {
	codes map[string]string
}

func (f *fakeEquipment) LookupByCode(code string) (string, bool) {
	id, ok := f.codes[code]
	return id, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendText(identity, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, identity+":"+text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestRegistry(t *testing.T, equipment flow.EquipmentLookup) (*flow.Registry, session.Store) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := session.NewBadgerStore(db, session.DefaultCacheConfig())
	return flow.New(store, equipment, nil), store
}

func TestRegisterAll_PartitionsStatesWithoutConflict(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)
	require.NoError(t, RegisterAll(registry, nil))

	for _, state := range []string{
		stateConsultaDocumentos,
		stateEncuestaP1, stateEncuestaP2, stateEncuestaP3,
		stateReporteCodigo, stateReporteFalla, stateReporteUbicacion, stateReporteConfirma,
	} {
		assert.True(t, registry.HasHandlerForState(state), "state %s should be owned", state)
	}
}

func TestTicketQuery_EmptyBodyReprompts(t *testing.T) {
	registry, store := newTestRegistry(t, nil)
	notifier := &recordingNotifier{}
	require.NoError(t, registry.Register(NewTicketQuery(notifier)))

	sess, err := store.Load("+52155")
	require.NoError(t, err)
	sess.State = stateConsultaDocumentos
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "", flow.IngressContext{CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52155")
	require.NoError(t, err)
	assert.Equal(t, stateConsultaDocumentos, fresh.State)
	assert.Equal(t, 1, notifier.count())
}

func TestTicketQuery_CodeFinalizes(t *testing.T) {
	registry, store := newTestRegistry(t, nil)
	notifier := &recordingNotifier{}
	require.NoError(t, registry.Register(NewTicketQuery(notifier)))

	sess, err := store.Load("+52155")
	require.NoError(t, err)
	sess.State = stateConsultaDocumentos
	sess, err = store.Commit(sess)
	require.NoError(t, err)
	startVersion := sess.Version

	handled, err := registry.DispatchMessage(sess, "DOC-99", flow.IngressContext{CorrelationID: "c-2"})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52155")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalizado, fresh.State)
	assert.Equal(t, startVersion+1, fresh.Version)
}

func TestSurvey_WalksThreeStepsThenCompletes(t *testing.T) {
	registry, store := newTestRegistry(t, nil)
	notifier := &recordingNotifier{}
	require.NoError(t, registry.Register(NewSurvey(notifier)))

	sess, err := store.Load("+52166")
	require.NoError(t, err)
	sess.State = stateEncuestaP1
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "5", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52166")
	require.NoError(t, err)
	require.Equal(t, stateEncuestaP2, sess.State)

	handled, err = registry.DispatchMessage(sess, "si", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52166")
	require.NoError(t, err)
	require.Equal(t, stateEncuestaP3, sess.State)

	handled, err = registry.DispatchMessage(sess, "nada mas", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)

	fresh, err := store.LoadFresh("+52166")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalizado, fresh.State)
	assert.Equal(t, 3, notifier.count())
}

func TestSurvey_ExitButtonAbortsFromAnyStep(t *testing.T) {
	registry, store := newTestRegistry(t, nil)
	require.NoError(t, registry.Register(NewSurvey(nil)))

	sess, err := store.Load("+52177")
	require.NoError(t, err)
	sess.State = stateEncuestaP2
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchButton(sess, buttonEncuestaSalir, flow.IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52177")
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelado, fresh.State)
}

func TestEquipmentReport_UnknownCodeDoesNotAdvance(t *testing.T) {
	equipment := &fakeEquipment{codes: map[string]string{"EQ-1": "entity-1"}}
	registry, store := newTestRegistry(t, equipment)
	require.NoError(t, registry.Register(NewEquipmentReport(nil)))

	sess, err := store.Load("+52188")
	require.NoError(t, err)
	sess.State = stateReporteCodigo
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "UNKNOWN", flow.IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52188")
	require.NoError(t, err)
	assert.Equal(t, stateReporteCodigo, fresh.State)
	assert.Empty(t, fresh.EquipoID)
}

func TestEquipmentReport_FullWalkToConfirmAndAccept(t *testing.T) {
	equipment := &fakeEquipment{codes: map[string]string{"EQ-1": "entity-1"}}
	registry, store := newTestRegistry(t, equipment)
	require.NoError(t, registry.Register(NewEquipmentReport(nil)))

	sess, err := store.Load("+52199")
	require.NoError(t, err)
	sess.State = stateReporteCodigo
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "EQ-1", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52199")
	require.NoError(t, err)
	require.Equal(t, stateReporteFalla, sess.State)
	require.Equal(t, "entity-1", sess.EquipoID)

	handled, err = registry.DispatchMessage(sess, "no enfría", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52199")
	require.NoError(t, err)
	require.Equal(t, stateReporteUbicacion, sess.State)

	handled, err = registry.DispatchMessage(sess, "planta baja", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52199")
	require.NoError(t, err)
	require.Equal(t, stateReporteConfirma, sess.State)

	handled, err = registry.DispatchButton(sess, buttonReporteConfirmar, flow.IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52199")
	require.NoError(t, err)
	assert.Equal(t, session.StateFinalizado, fresh.State)
}

func TestEquipmentReport_RejectReturnsToUbicacion(t *testing.T) {
	equipment := &fakeEquipment{codes: map[string]string{"EQ-1": "entity-1"}}
	registry, store := newTestRegistry(t, equipment)
	require.NoError(t, registry.Register(NewEquipmentReport(nil)))

	sess, err := store.Load("+52100")
	require.NoError(t, err)
	sess.State = stateReporteCodigo
	sess, err = store.Commit(sess)
	require.NoError(t, err)

	handled, err := registry.DispatchMessage(sess, "EQ-1", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52100")
	require.NoError(t, err)

	handled, err = registry.DispatchMessage(sess, "no enfría", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52100")
	require.NoError(t, err)

	handled, err = registry.DispatchMessage(sess, "planta baja", flow.IngressContext{})
	require.NoError(t, err)
	require.True(t, handled)
	sess, err = store.LoadFresh("+52100")
	require.NoError(t, err)
	require.Equal(t, stateReporteConfirma, sess.State)

	handled, err = registry.DispatchButton(sess, buttonReporteRechazar, flow.IngressContext{})
	require.NoError(t, err)
	assert.True(t, handled)

	fresh, err := store.LoadFresh("+52100")
	require.NoError(t, err)
	assert.Equal(t, stateReporteUbicacion, fresh.State)
}
