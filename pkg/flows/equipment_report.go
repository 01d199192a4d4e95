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
	stateReporteCodigo    = "REPORTE_EQUIPO_CODIGO"
	stateReporteFalla     = "REPORTE_EQUIPO_FALLA"
	stateReporteUbicacion = "REPORTE_EQUIPO_UBICACION"
	stateReporteConfirma  = "REPORTE_EQUIPO_CONFIRMA"

	buttonReporteConfirmar = "reporte_confirmar"
	buttonReporteRechazar  = "reporte_rechazar"

	fieldEquipoCodigo = "equipo_codigo"
	fieldFalla        = "falla"
	fieldUbicacion    = "ubicacion"
)

// NewEquipmentReport builds the REPORTE_EQUIPO flow: a three-field
// FieldBag collection (equipment code, fault description, location)
// resolved through EquipmentLookup, followed by a confirm/reject
// button pair before the report finalizes.
func NewEquipmentReport(notifier Notifier) *flow.Definition {
	return &flow.Definition{
		Name:           "REPORTE_EQUIPO",
		ContextKind:    flow.KindFieldBag,
		RequiredFields: []string{fieldEquipoCodigo, fieldFalla, fieldUbicacion},
		States: map[string]struct{}{
			stateReporteCodigo:    {},
			stateReporteFalla:     {},
			stateReporteUbicacion: {},
			stateReporteConfirma:  {},
		},
		Handlers: map[string]string{
			stateReporteCodigo:    "codigo",
			stateReporteFalla:     "falla",
			stateReporteUbicacion: "ubicacion",
		},
		Buttons: map[string]flow.ButtonBinding{
			buttonReporteConfirmar: {HandlerName: "confirmar"},
			buttonReporteRechazar:  {HandlerName: "rechazar"},
		},
		Callables: map[string]flow.Handler{
			"codigo": func(ctx flow.Context, event flow.Event) error {
				fb := ctx.(*flow.FieldBag)
				code := strings.TrimSpace(payloadText(event))
				entityID, ok := fb.LookupEquipmentByCode(code)
				if !ok {
					notify(notifier, ctx.Identity(), "No reconozco ese código de equipo, inténtalo de nuevo.")
					return nil
				}
				if err := fb.AttachEquipment(entityID); err != nil {
					return err
				}
				if err := fb.UpdateField(fieldEquipoCodigo, code, "user", 1.0); err != nil {
					return err
				}
				notify(notifier, ctx.Identity(), "Describe la falla que presenta el equipo.")
				return ctx.ChangeState(stateReporteFalla)
			},
			"falla": func(ctx flow.Context, event flow.Event) error {
				fb := ctx.(*flow.FieldBag)
				desc := strings.TrimSpace(payloadText(event))
				if desc == "" {
					notify(notifier, ctx.Identity(), "Necesito una breve descripción de la falla.")
					return nil
				}
				if err := fb.UpdateField(fieldFalla, desc, "user", 1.0); err != nil {
					return err
				}
				notify(notifier, ctx.Identity(), "¿En qué ubicación se encuentra el equipo?")
				return ctx.ChangeState(stateReporteUbicacion)
			},
			"ubicacion": func(ctx flow.Context, event flow.Event) error {
				fb := ctx.(*flow.FieldBag)
				loc := strings.TrimSpace(payloadText(event))
				if loc == "" {
					notify(notifier, ctx.Identity(), "Necesito la ubicación del equipo.")
					return nil
				}
				if err := fb.UpdateField(fieldUbicacion, loc, "user", 1.0); err != nil {
					return err
				}
				if !fb.AllFieldsComplete() {
					notify(notifier, ctx.Identity(), "Faltan datos, continuemos.")
					return nil
				}
				if err := fb.RequestConfirmation(session.StateFinalizado, nil); err != nil {
					return err
				}
				notify(notifier, ctx.Identity(), "¿Confirmas el reporte con los datos capturados?")
				return ctx.ChangeState(stateReporteConfirma)
			},
			"confirmar": func(ctx flow.Context, event flow.Event) error {
				fb := ctx.(*flow.FieldBag)
				if _, err := fb.AcceptConfirmation(); err != nil {
					return err
				}
				notify(notifier, ctx.Identity(), "Reporte registrado, gracias.")
				return nil
			},
			"rechazar": func(ctx flow.Context, event flow.Event) error {
				fb := ctx.(*flow.FieldBag)
				if err := fb.RejectConfirmation(stateReporteUbicacion); err != nil {
					return err
				}
				notify(notifier, ctx.Identity(), "De acuerdo, dime de nuevo la ubicación.")
				return nil
			},
		},
	}
}

func payloadText(event flow.Event) string {
	switch v := event.Payload.(type) {
	case string:
		return v
	default:
		return ""
	}
}
