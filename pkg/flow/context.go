// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"fmt"
	"log/slog"

	"github.com/aleutian/flowengine/pkg/session"
)

// Context is the dependency-injected facade every handler receives.
// It is constructed fresh by the registry for each dispatch and
// discarded after; there is no ambient or global state. Sequential
// and FieldBag embed Base and add their own mutating operations —
// handlers type-assert to the specialization their flow declared.
type Context interface {
	Identity() string
	Session() session.Session
	Version() int64
	Ingress() IngressContext
	ChangeState(newState string) error
	UpdateData(mutate func(data map[string]any)) error
}

// Base owns the in-memory Version tracking shared by every
// specialization: a mutating call passes the session's current
// Version to the store and, on success, advances the in-memory
// value; on ConcurrencyError the in-memory value is left untouched so
// the caller (the retry engine, via WithSessionRetry) can decide how
// to proceed.
type Base struct {
	identity string
	store    session.Store
	sess     session.Session
	ingress  IngressContext
	log      *slog.Logger
}

func newBase(identity string, store session.Store, sess session.Session, ingress IngressContext, log *slog.Logger) *Base {
	return &Base{identity: identity, store: store, sess: sess, ingress: ingress, log: log}
}

func (b *Base) Identity() string          { return b.identity }
func (b *Base) Session() session.Session  { return b.sess.Clone() }
func (b *Base) Version() int64            { return b.sess.Version }
func (b *Base) Ingress() IngressContext   { return b.ingress }

// ChangeState commits sess.State := newState under the tracked
// Version. On success the in-memory session/version advance; on
// ConcurrencyError they do not.
func (b *Base) ChangeState(newState string) error {
	next := b.sess.Clone()
	next.State = newState
	return b.commit(next)
}

// UpdateData applies mutate to a copy of TempData and commits it
// without changing State.
func (b *Base) UpdateData(mutate func(data map[string]any)) error {
	next := b.sess.Clone()
	mutate(next.TempData)
	return b.commit(next)
}

func (b *Base) commit(next session.Session) error {
	committed, err := b.store.Commit(next)
	if err != nil {
		return err
	}
	b.sess = committed
	return nil
}

// Sequential adds step-counter navigation on top of Base, for flows
// whose progress is a linear sequence of steps rather than a named
// field bag.
type Sequential struct {
	*Base
}

const stepKey = "__step"

func stepOf(data map[string]any) int {
	switch v := data[stepKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// AdvanceStep increments the step counter.
func (s *Sequential) AdvanceStep() error {
	return s.UpdateData(func(data map[string]any) {
		data[stepKey] = stepOf(data) + 1
	})
}

// RetreatStep decrements the step counter, floored at zero.
func (s *Sequential) RetreatStep() error {
	return s.UpdateData(func(data map[string]any) {
		if cur := stepOf(data); cur > 0 {
			data[stepKey] = cur - 1
		}
	})
}

// Step returns the current step counter without mutating anything.
func (s *Sequential) Step() int {
	return stepOf(s.Session().TempData)
}

// Complete transitions the session to the terminal success state.
func (s *Sequential) Complete() error {
	return s.ChangeState(session.StateFinalizado)
}

// Abort transitions the session to the terminal cancellation state.
func (s *Sequential) Abort() error {
	return s.ChangeState(session.StateCancelado)
}

// FieldUpdate is one field's new value plus its provenance, passed to
// UpdateField/UpdateFields.
type FieldUpdate struct {
	Value      any
	Source     string
	Confidence float64
}

// CompletionStats summarizes how many of a flow's required fields
// have been collected.
type CompletionStats struct {
	Done  int
	Total int
	Pct   float64
}

// EquipmentLookup is the external collaborator a FieldBag context
// uses to resolve a domain entity by a user-supplied code. It is an
// interface only — the concrete implementation (database, cache,
// remote API) lives outside this subsystem's scope.
type EquipmentLookup interface {
	LookupByCode(code string) (entityID string, ok bool)
}

const fieldsKey = "__fields"
const pendingConfirmationKey = "__pendingConfirmation"

// FieldBag adds field-collection and confirmation operations on top
// of Base, for flows that gather a set of named fields rather than
// stepping through a fixed sequence.
type FieldBag struct {
	*Base
	required  []string
	equipment EquipmentLookup
}

func fieldsOf(data map[string]any) map[string]any {
	raw, ok := data[fieldsKey]
	if !ok {
		return map[string]any{}
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return fields
}

// GetField returns a previously collected field's value.
func (f *FieldBag) GetField(name string) (any, bool) {
	fields := fieldsOf(f.Session().TempData)
	entry, ok := fields[name]
	if !ok {
		return nil, false
	}
	meta, ok := entry.(map[string]any)
	if !ok {
		return nil, false
	}
	return meta["value"], true
}

// UpdateField records name's value and provenance, then commits.
func (f *FieldBag) UpdateField(name string, value any, source string, confidence float64) error {
	return f.UpdateData(func(data map[string]any) {
		fields := fieldsOf(data)
		fields[name] = map[string]any{"value": value, "source": source, "confidence": confidence}
		data[fieldsKey] = fields
	})
}

// UpdateFields applies a batch of field updates in a single commit.
func (f *FieldBag) UpdateFields(batch map[string]FieldUpdate) error {
	return f.UpdateData(func(data map[string]any) {
		fields := fieldsOf(data)
		for name, u := range batch {
			fields[name] = map[string]any{"value": u.Value, "source": u.Source, "confidence": u.Confidence}
		}
		data[fieldsKey] = fields
	})
}

// GetMissingFields returns which of f's required fields are not yet
// collected.
func (f *FieldBag) GetMissingFields() []string {
	fields := fieldsOf(f.Session().TempData)
	var missing []string
	for _, name := range f.required {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Completion reports collected/total/percentage against f's required
// fields.
func (f *FieldBag) Completion() CompletionStats {
	fields := fieldsOf(f.Session().TempData)
	total := len(f.required)
	done := 0
	for _, name := range f.required {
		if _, ok := fields[name]; ok {
			done++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	return CompletionStats{Done: done, Total: total, Pct: pct}
}

// AllFieldsComplete reports whether every required field is collected.
func (f *FieldBag) AllFieldsComplete() bool {
	return len(f.GetMissingFields()) == 0
}

// RequestConfirmation stashes a pending transition for the user to
// accept or reject, without changing State yet.
func (f *FieldBag) RequestConfirmation(nextState string, payload any) error {
	return f.UpdateData(func(data map[string]any) {
		data[pendingConfirmationKey] = map[string]any{"nextState": nextState, "payload": payload}
	})
}

// AcceptConfirmation commits the pending transition stashed by
// RequestConfirmation and clears it.
func (f *FieldBag) AcceptConfirmation() (string, error) {
	pending, ok := f.pendingConfirmation()
	if !ok {
		return "", fmt.Errorf("no pending confirmation for identity %q", f.Identity())
	}
	next := f.sess.Clone()
	next.State = pending.nextState
	delete(next.TempData, pendingConfirmationKey)
	if err := f.commit(next); err != nil {
		return "", err
	}
	return pending.nextState, nil
}

// RejectConfirmation discards the pending transition and returns to
// returnState instead.
func (f *FieldBag) RejectConfirmation(returnState string) error {
	next := f.sess.Clone()
	next.State = returnState
	delete(next.TempData, pendingConfirmationKey)
	return f.commit(next)
}

type pendingConfirmation struct {
	nextState string
	payload   any
}

func (f *FieldBag) pendingConfirmation() (pendingConfirmation, bool) {
	raw, ok := f.Session().TempData[pendingConfirmationKey]
	if !ok {
		return pendingConfirmation{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return pendingConfirmation{}, false
	}
	nextState, _ := m["nextState"].(string)
	return pendingConfirmation{nextState: nextState, payload: m["payload"]}, true
}

// AttachEquipment records entityID as the session's EquipoId.
func (f *FieldBag) AttachEquipment(entityID string) error {
	next := f.sess.Clone()
	next.EquipoID = entityID
	return f.commit(next)
}

// LookupEquipmentByCode resolves code via the injected
// EquipmentLookup collaborator. Returns false if no collaborator was
// configured or the code is unknown.
func (f *FieldBag) LookupEquipmentByCode(code string) (string, bool) {
	if f.equipment == nil {
		return "", false
	}
	return f.equipment.LookupByCode(code)
}
