// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flows holds example concrete flows — equipment report,
// satisfaction survey, document query — registered against
// pkg/flow.Registry at startup. Their business rules are deliberately
// thin: what matters here is that each is a plain Definition record
// wired through the same registry contract any future flow would use.
package flows

import "github.com/aleutian/flowengine/pkg/flow"

// Notifier is the messaging seam a flow's handlers use to send the
// follow-up prompt for the next field/step. Structurally identical to
// flow.Manager's and pkg/webhookhttp's Notifier — the concrete
// messaging provider client lives outside this subsystem's scope, so
// every flow depends only on this interface.
type Notifier interface {
	SendText(identity, text string) error
}

func notify(n Notifier, identity, text string) {
	if n == nil || text == "" {
		return
	}
	_ = n.SendText(identity, text)
}

// RegisterAll registers every flow in this package against registry.
// EquipmentReport's code lookups go through the EquipmentLookup the
// registry was built with (flow.New); when that is nil they always
// miss.
func RegisterAll(registry *flow.Registry, notifier Notifier) error {
	for _, def := range []*flow.Definition{
		NewTicketQuery(notifier),
		NewSurvey(notifier),
		NewEquipmentReport(notifier),
	} {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}
