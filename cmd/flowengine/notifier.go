// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"

	"github.com/aleutian/flowengine/pkg/webhookhttp"
)

// LogNotifier stands in for the messaging provider client, which is
// out of scope here (see pkg/webhookhttp.Notifier and
// pkg/flow.Manager's own Notifier seam): it logs every outbound send
// instead of placing it. A deployment wires a real client behind the
// same interface without touching flow or reaper code.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier wraps log as a Notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendText(identity, text string) error {
	n.log.Info("outbound text", "identity", identity, "text", text)
	return nil
}

// LogMediaAnalyzer stands in for the OCR/vision/transcription backend
// that would extract text from an image or audio payload. It logs the
// request and returns a canned extraction so the background-worker
// dispatch path (submit, fresh-read, commit, retry) is fully
// exercised without depending on a real model service.
type LogMediaAnalyzer struct {
	log *slog.Logger
}

// NewLogMediaAnalyzer wraps log as a MediaAnalyzer.
func NewLogMediaAnalyzer(log *slog.Logger) *LogMediaAnalyzer {
	return &LogMediaAnalyzer{log: log}
}

func (a *LogMediaAnalyzer) Analyze(payload webhookhttp.MediaPayload) (string, error) {
	a.log.Info("analyzing media", "media_id", payload.MediaID, "mime_type", payload.MimeType)
	return "EQ-" + payload.MediaID, nil
}
