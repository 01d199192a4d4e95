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

import "github.com/aleutian/flowengine/pkg/flow"

const (
	stateEncuestaP1 = "ENCUESTA_P1"
	stateEncuestaP2 = "ENCUESTA_P2"
	stateEncuestaP3 = "ENCUESTA_P3"

	buttonEncuestaSalir = "encuesta_salir"
)

var encuestaPrompts = map[string]string{
	stateEncuestaP1: "¿Qué tan satisfecho quedaste con la atención? (1-5)",
	stateEncuestaP2: "¿Recomendarías el servicio a alguien más? (si/no)",
	stateEncuestaP3: "¿Algo que quieras agregar?",
}

// NewSurvey builds the ENCUESTA flow: three fixed questions walked via
// Sequential.AdvanceStep, completing after the third answer. The
// "encuesta_salir" button is bound at every question so a respondent
// can abandon the survey from any step.
func NewSurvey(notifier Notifier) *flow.Definition {
	answer := func(ctx flow.Context, event flow.Event, current, next string) error {
		seq := ctx.(*flow.Sequential)
		if err := seq.AdvanceStep(); err != nil {
			return err
		}
		if next == "" {
			notify(notifier, ctx.Identity(), "Gracias por tus respuestas.")
			return seq.Complete()
		}
		if err := ctx.ChangeState(next); err != nil {
			return err
		}
		notify(notifier, ctx.Identity(), encuestaPrompts[next])
		return nil
	}

	bail := func(ctx flow.Context, event flow.Event) error {
		seq := ctx.(*flow.Sequential)
		notify(notifier, ctx.Identity(), "Encuesta cancelada, gracias de todas formas.")
		return seq.Abort()
	}

	return &flow.Definition{
		Name:        "ENCUESTA",
		ContextKind: flow.KindSequential,
		States: map[string]struct{}{
			stateEncuestaP1: {},
			stateEncuestaP2: {},
			stateEncuestaP3: {},
		},
		Handlers: map[string]string{
			stateEncuestaP1: "p1",
			stateEncuestaP2: "p2",
			stateEncuestaP3: "p3",
		},
		Buttons: map[string]flow.ButtonBinding{
			buttonEncuestaSalir: {HandlerName: "salir"},
		},
		Callables: map[string]flow.Handler{
			"p1": func(ctx flow.Context, event flow.Event) error {
				return answer(ctx, event, stateEncuestaP1, stateEncuestaP2)
			},
			"p2": func(ctx flow.Context, event flow.Event) error {
				return answer(ctx, event, stateEncuestaP2, stateEncuestaP3)
			},
			"p3": func(ctx flow.Context, event flow.Event) error {
				return answer(ctx, event, stateEncuestaP3, "")
			},
			"salir": bail,
		},
	}
}
