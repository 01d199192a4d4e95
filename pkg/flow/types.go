// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow implements the flow registry and dispatcher: the
// tagged-variant routing layer that maps a session's current state
// (or an inbound button id) to the handler callable that owns it.
package flow

import "time"

// ContextKind selects which FlowContext specialization a flow's
// handlers expect to receive.
type ContextKind int

const (
	KindSequential ContextKind = iota
	KindFieldBag
)

// IngressContext carries the per-event correlation id and timeout
// budget a handler's collaborators should honor.
type IngressContext struct {
	CorrelationID string
	Deadline      time.Time
}

// Event is the tagged envelope a handler receives: Payload is
// populated for DispatchMessage, Params for DispatchButton when the
// binding declares StaticParams.
type Event struct {
	Payload any
	Params  any
	Ingress IngressContext
}

// Handler is the callable shape every registered flow binds to a
// state or a button id.
type Handler func(ctx Context, event Event) error

// ButtonBinding is what a button id resolves to: the handler to
// invoke and, optionally, static parameters baked in at registration.
type ButtonBinding struct {
	HandlerName  string
	StaticParams any
}

// Definition is one flow: a name, the state codes it owns, its
// button bindings, its state-to-handler-name map, and the callables
// table the registry invokes by name. This is a tagged-variant
// design — a flow is data, not a type in a class hierarchy — so the
// registry needs no knowledge of any flow's internals beyond this
// record.
type Definition struct {
	Name        string
	ContextKind ContextKind
	States      map[string]struct{}
	Buttons     map[string]ButtonBinding
	Handlers    map[string]string // state code -> handler name
	Callables   map[string]Handler
	// RequiredFields is consulted by FieldBag contexts for
	// Completion/GetMissingFields/AllFieldsComplete. Ignored for
	// Sequential flows.
	RequiredFields []string
}
