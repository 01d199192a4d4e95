// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webhookhttp is the WebhookIngress: the gin-routed HTTP
// surface that verifies the provider's subscription challenge and
// signature, dedups inbound deliveries, classifies each message, and
// hands it to the flow dispatcher with a bounded correlation context.
package webhookhttp

// Kind is the inbound event taxonomy the ingress classifies messages
// into before routing.
type Kind string

const (
	KindText         Kind = "text"
	KindButtonReply  Kind = "interactive.button_reply"
	KindListReply    Kind = "interactive.list_reply"
	KindImage        Kind = "image"
	KindAudio        Kind = "audio"
	KindLocation     Kind = "location"
	KindStatus       Kind = "status"
	KindUnclassified Kind = "unclassified"
)

// TextPayload is the classified payload for KindText.
type TextPayload struct {
	Body string `json:"body"`
}

// InteractiveReplyPayload is the classified payload for KindButtonReply
// and KindListReply.
type InteractiveReplyPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MediaPayload is the classified payload for KindImage and KindAudio.
type MediaPayload struct {
	MediaID  string `json:"mediaId"`
	MimeType string `json:"mimeType"`
}

// LocationPayload is the classified payload for KindLocation.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	Name      string  `json:"name,omitempty"`
}

// ClassifiedMessage is one inbound message resolved to its taxonomy
// kind, ready for rate-limit check and dispatch.
type ClassifiedMessage struct {
	MessageID string
	Identity  string
	Kind      Kind
	Payload   any // one of the *Payload types above, or nil for KindStatus/KindUnclassified
}

// --- wire shapes (the provider's own payload, not the core's contract) ---

// webhookPayload is the POST body's outer envelope.
type webhookPayload struct {
	Object string  `json:"object" validate:"required"`
	Entry  []entry `json:"entry" validate:"required,dive"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes" validate:"dive"`
}

type change struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
	Contacts []waContact `json:"contacts"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type waMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`

	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`

	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`

	Image *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"image,omitempty"`

	Audio *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"audio,omitempty"`

	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Address   string  `json:"address,omitempty"`
		Name      string  `json:"name,omitempty"`
	} `json:"location,omitempty"`
}

// classify maps one provider-shaped message to the taxonomy contract.
// Unrecognized types classify as KindUnclassified rather than erroring,
// matching the ingress's "reject non-messaging payloads silently"
// posture at the per-message granularity.
func classify(msg waMessage) ClassifiedMessage {
	cm := ClassifiedMessage{MessageID: msg.ID, Identity: msg.From}

	switch msg.Type {
	case "text":
		if msg.Text != nil {
			cm.Kind = KindText
			cm.Payload = TextPayload{Body: msg.Text.Body}
		}
	case "interactive":
		switch {
		case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
			cm.Kind = KindButtonReply
			cm.Payload = InteractiveReplyPayload{
				ID:    msg.Interactive.ButtonReply.ID,
				Title: msg.Interactive.ButtonReply.Title,
			}
		case msg.Interactive != nil && msg.Interactive.ListReply != nil:
			cm.Kind = KindListReply
			cm.Payload = InteractiveReplyPayload{
				ID:    msg.Interactive.ListReply.ID,
				Title: msg.Interactive.ListReply.Title,
			}
		}
	case "image":
		if msg.Image != nil {
			cm.Kind = KindImage
			cm.Payload = MediaPayload{MediaID: msg.Image.ID, MimeType: msg.Image.MimeType}
		}
	case "audio":
		if msg.Audio != nil {
			cm.Kind = KindAudio
			cm.Payload = MediaPayload{MediaID: msg.Audio.ID, MimeType: msg.Audio.MimeType}
		}
	case "location":
		if msg.Location != nil {
			cm.Kind = KindLocation
			cm.Payload = LocationPayload{
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Address:   msg.Location.Address,
				Name:      msg.Location.Name,
			}
		}
	}

	if cm.Kind == "" {
		cm.Kind = KindUnclassified
	}
	return cm
}
