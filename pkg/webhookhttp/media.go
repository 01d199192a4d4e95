// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webhookhttp

// MediaAnalyzer extracts a text result from an inbound image or audio
// payload: OCR/vision-model analysis for images, transcription for
// audio. The concrete backend is an external collaborator outside this
// subsystem's scope (same seam shape as Notifier and
// pkg/flow.EquipmentLookup); HandlePost only depends on this
// interface, so the slow call always runs inside pkg/worker's
// background pool instead of on the request goroutine.
type MediaAnalyzer interface {
	Analyze(payload MediaPayload) (string, error)
}
