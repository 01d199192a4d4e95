// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flows

import (
	"strings"

	"github.com/aleutian/flowengine/pkg/flow"
	"github.com/aleutian/flowengine/pkg/session"
)

const (
	stateConsultaDocumentos = "CONSULTA_DOCUMENTOS"
	buttonConsultaReiniciar = "consulta_reiniciar"
)

// NewTicketQuery builds the CONSULTA flow: a single-step document
// lookup. Any non-empty text is treated as the document code and
// finalizes the session; an empty body re-prompts without advancing
// state.
func NewTicketQuery(notifier Notifier) *flow.Definition {
	return &flow.Definition{
		Name:        "CONSULTA",
		ContextKind: flow.KindSequential,
		States:      map[string]struct{}{stateConsultaDocumentos: {}},
		Handlers:    map[string]string{stateConsultaDocumentos: "processStep"},
		Buttons: map[string]flow.ButtonBinding{
			buttonConsultaReiniciar: {HandlerName: "processStep"},
		},
		Callables: map[string]flow.Handler{
			"processStep": func(ctx flow.Context, event flow.Event) error {
				body, _ := event.Payload.(string)
				if strings.TrimSpace(body) == "" {
					notify(notifier, ctx.Identity(), "Envía el código del documento que deseas consultar.")
					return nil
				}
				notify(notifier, ctx.Identity(), "Consulta registrada para el documento "+body+".")
				return ctx.ChangeState(session.StateFinalizado)
			},
		},
	}
}
