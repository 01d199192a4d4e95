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
	"log/slog"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/pkg/session"
)

// Notifier sends a user-facing text outside of the normal handler
// dispatch path, used for the cancel button's farewell message. The
// concrete messaging provider client lives outside this subsystem's
// scope; Notifier is the seam.
type Notifier interface {
	SendText(identity, text string) error
}

// Manager is the single entry point per inbound event type. It holds
// no flow-specific knowledge beyond the agent-takeover gate, the
// cancel-button fallback and terminal-state reactivation: everything
// else is owned by registered flows.
type Manager struct {
	registry *Registry
	store    session.Store
	notifier Notifier
	log      *slog.Logger

	// AgentTakeoverState is the sentinel state that suspends
	// automatic dispatch entirely (a human agent has taken over the
	// conversation). Kept as a single configuration value rather than
	// hard-coded, since its exact code is deployment-specific.
	AgentTakeoverState string
	// CancelButtonID is the canonical button id that triggers Cancel
	// when no flow claims it directly.
	CancelButtonID string
	// FarewellText is sent via Notifier after a successful or
	// suppressed-conflict Cancel.
	FarewellText string
}

// NewManager wires registry and store into a dispatcher. notifier may
// be nil, in which case Cancel's farewell send is a no-op (tests
// commonly run without a messaging collaborator).
func NewManager(registry *Registry, store session.Store, notifier Notifier, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		registry:           registry,
		store:              store,
		notifier:           notifier,
		log:                log,
		AgentTakeoverState: "AGENTE_HUMANO",
		CancelButtonID:     "cancel",
	}
}

// DispatchMessage routes a text/media/location event.
func (m *Manager) DispatchMessage(identity string, payload any, sess session.Session, ingress IngressContext) (bool, error) {
	if sess.State == m.AgentTakeoverState {
		return false, nil
	}
	if m.registry.HasHandlerForState(sess.State) {
		return m.registry.DispatchMessage(sess, payload, ingress)
	}
	return false, nil
}

// DispatchButton routes an interactive button press, falling back to
// the canonical cancel flow when no registered flow claims the id.
func (m *Manager) DispatchButton(identity string, buttonID string, sess session.Session, ingress IngressContext) (bool, error) {
	if _, ok := m.registry.LookupButton(buttonID); ok {
		return m.registry.DispatchButton(sess, buttonID, ingress)
	}
	if buttonID == m.CancelButtonID {
		return true, m.Cancel(identity)
	}
	return false, nil
}

// Cancel reads identity's session fresh and commits State :=
// CANCELADO under that version. A ConcurrencyError is suppressed
// (another writer already moved the session, possibly to a terminal
// state) since the farewell is sent unconditionally — Cancel∘Cancel
// is a no-op on persisted state after the first call, and the
// farewell always fires exactly once per invocation regardless.
func (m *Manager) Cancel(identity string) error {
	fresh, err := m.store.LoadFresh(identity)
	if err != nil {
		return err
	}
	if fresh.State == session.StateCancelado {
		return m.sendFarewell(identity)
	}
	next := fresh.Clone()
	next.State = session.StateCancelado
	if _, err := m.store.Commit(next); err != nil {
		if _, ok := flowerrors.AsConcurrency(err); !ok {
			return err
		}
		m.log.Debug("cancel raced another writer, state already moved on", "identity", identity)
	}
	return m.sendFarewell(identity)
}

func (m *Manager) sendFarewell(identity string) error {
	if m.notifier == nil || m.FarewellText == "" {
		return nil
	}
	return m.notifier.SendText(identity, m.FarewellText)
}

// ReactivateIfTerminal commits State := INICIO when sess is in a
// non-INICIO terminal state, for ingress paths that observed a normal
// (non-confirmation-button) event against a closed conversation. On
// ConcurrencyError it rereads fresh and returns that instead.
func (m *Manager) ReactivateIfTerminal(identity string, sess session.Session) (session.Session, error) {
	if !session.IsTerminal(sess.State) || sess.State == session.StateInicio {
		return sess, nil
	}

	next := sess.Clone()
	next.State = session.StateInicio
	committed, err := m.store.Commit(next)
	if err == nil {
		return committed, nil
	}
	if _, ok := flowerrors.AsConcurrency(err); ok {
		return m.store.LoadFresh(identity)
	}
	return sess, err
}
