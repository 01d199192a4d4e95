// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session defines the Session record and the SessionStore
// contract: an optimistically-locked, write-through-cached persistence
// layer for one row per end-user identity.
package session

import "time"

// Terminal FSM states. TempData and EquipoId must be empty immediately
// after any commit that enters one of these.
const (
	StateInicio     = "INICIO"
	StateCancelado  = "CANCELADO"
	StateFinalizado = "FINALIZADO"
)

// IsTerminal reports whether state is one of the three terminal nodes.
func IsTerminal(state string) bool {
	switch state {
	case StateInicio, StateCancelado, StateFinalizado:
		return true
	default:
		return false
	}
}

// Session is one row per end-user identity (a normalized E.164 phone
// number in the reference deployment, but the store treats Identity as
// an opaque key).
type Session struct {
	Identity         string
	State            string
	TempData         map[string]any
	EquipoID         string
	Version          int64
	LastActivityAt   time.Time
	WarningSent      bool
	UserDisplayName  string
}

// New returns a freshly-created session in the default state, as
// produced by lazy creation on first ingress for an identity.
func New(identity string) Session {
	return Session{
		Identity:       identity,
		State:          StateInicio,
		TempData:       map[string]any{},
		Version:        0,
		LastActivityAt: time.Now(),
	}
}

// Clone returns a deep-enough copy safe to hand to a handler without
// letting it mutate the store's or cache's backing map.
func (s Session) Clone() Session {
	cp := s
	cp.TempData = make(map[string]any, len(s.TempData))
	for k, v := range s.TempData {
		cp.TempData[k] = v
	}
	return cp
}
