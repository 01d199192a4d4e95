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
	"sync"
	"time"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/internal/metrics"
	"github.com/aleutian/flowengine/pkg/session"
)

// Registry indexes flows by the state codes and button ids they own
// and invokes the handler bound to each. Registrations happen at
// startup; lookups at request time take a read lock only, so the
// read-mostly hot path never blocks on registration churn.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Definition

	stateIndex  map[string]*Definition
	buttonIndex map[string]boundButton

	store     session.Store
	equipment EquipmentLookup
	log       *slog.Logger
}

type boundButton struct {
	flow    *Definition
	binding ButtonBinding
}

// New returns an empty registry backed by store for handler commits.
// equipment may be nil if no flow needs AttachEquipment/
// LookupEquipmentByCode.
func New(store session.Store, equipment EquipmentLookup, log *slog.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		flows:       make(map[string]*Definition),
		stateIndex:  make(map[string]*Definition),
		buttonIndex: make(map[string]boundButton),
		store:       store,
		equipment:   equipment,
		log:         log,
	}
}

// Register validates def and indexes it. States must not already be
// owned by another registered flow; violating that is a registration-
// time error, never a runtime one.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("flow registration: name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[def.Name]; exists {
		return fmt.Errorf("flow %q already registered", def.Name)
	}
	for state := range def.States {
		if owner, owned := r.stateIndex[state]; owned {
			return fmt.Errorf("state %q already owned by flow %q, cannot register to %q", state, owner.Name, def.Name)
		}
	}

	r.flows[def.Name] = def
	for state := range def.States {
		r.stateIndex[state] = def
	}
	for buttonID, binding := range def.Buttons {
		r.buttonIndex[buttonID] = boundButton{flow: def, binding: binding}
	}
	r.log.Info("flow registered", "flow", def.Name, "states", len(def.States), "buttons", len(def.Buttons))
	return nil
}

// Deregister removes def.Name and every state/button index entry it
// owned.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.flows[name]
	if !ok {
		return
	}
	for state := range def.States {
		delete(r.stateIndex, state)
	}
	for buttonID := range def.Buttons {
		delete(r.buttonIndex, buttonID)
	}
	delete(r.flows, name)
}

// HasHandlerForState reports whether some registered flow owns state.
func (r *Registry) HasHandlerForState(state string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stateIndex[state]
	return ok
}

// LookupButton reports the binding for buttonID, if any flow
// registered it.
func (r *Registry) LookupButton(buttonID string) (ButtonBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound, ok := r.buttonIndex[buttonID]
	if !ok {
		return ButtonBinding{}, false
	}
	return bound.binding, true
}

// DispatchMessage resolves sess.State to its owning flow, constructs
// a fresh Context, and invokes the bound handler. Returns handled:
// false without error when no flow claims the state, and false with
// an error when the owning flow lacks the bound handler or callable.
func (r *Registry) DispatchMessage(sess session.Session, payload any, ingress IngressContext) (bool, error) {
	r.mu.RLock()
	def, ok := r.stateIndex[sess.State]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	handlerName, ok := def.Handlers[sess.State]
	if !ok {
		return false, fmt.Errorf("flow %q has no handler bound for state %q", def.Name, sess.State)
	}
	callable, ok := def.Callables[handlerName]
	if !ok {
		return false, fmt.Errorf("flow %q has no callable named %q", def.Name, handlerName)
	}

	err := r.invoke(def, handlerName, sess, Event{Payload: payload, Ingress: ingress}, callable)
	return true, err
}

// DispatchButton resolves buttonID to its bound flow/handler. If the
// binding carries StaticParams, the handler receives them via
// Event.Params.
func (r *Registry) DispatchButton(sess session.Session, buttonID string, ingress IngressContext) (bool, error) {
	r.mu.RLock()
	bound, ok := r.buttonIndex[buttonID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	callable, ok := bound.flow.Callables[bound.binding.HandlerName]
	if !ok {
		return false, fmt.Errorf("flow %q has no callable named %q", bound.flow.Name, bound.binding.HandlerName)
	}

	err := r.invoke(bound.flow, bound.binding.HandlerName, sess, Event{Params: bound.binding.StaticParams, Ingress: ingress}, callable)
	return true, err
}

// invoke builds the context specialization def declares, calls
// callable, and records dispatch metrics. A panicking handler is
// translated into a registry-level error instead of crashing the
// dispatcher goroutine.
func (r *Registry) invoke(def *Definition, handlerName string, sess session.Session, event Event, callable Handler) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("flow %q handler %q panicked: %v", def.Name, handlerName, rec)
		}
		if err != nil {
			outcome = outcomeFor(err)
		}
		metrics.DispatchLatency.WithLabelValues(def.Name, outcome).Observe(time.Since(start).Seconds())
		metrics.DispatchTotal.WithLabelValues(def.Name, outcome).Inc()
	}()

	ctx := r.newContext(def, sess, event.Ingress)
	return callable(ctx, event)
}

func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}
	if flowerrors.IsConcurrency(err) {
		return "concurrency_conflict"
	}
	return "error"
}

func (r *Registry) newContext(def *Definition, sess session.Session, ingress IngressContext) Context {
	base := newBase(sess.Identity, r.store, sess, ingress, r.log)
	switch def.ContextKind {
	case KindFieldBag:
		return &FieldBag{Base: base, required: def.RequiredFields, equipment: r.equipment}
	default:
		return &Sequential{Base: base}
	}
}
