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

import (
	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/pkg/breaker"
)

// Notifier sends a user-facing text outside of the handler dispatch
// path. It is the same shape flow.Manager and pkg/reaper depend on;
// defined again here (rather than imported) so this package does not
// need to know about flow.Manager's internals to be wired against the
// same concrete messaging client.
type Notifier interface {
	SendText(identity, text string) error
}

// GuardedNotifier wraps a Notifier with a CircuitBreaker, the seam
// named in the external-collaborator contract ("the messaging
// provider") that pkg/breaker exists to guard. The ingress uses it for
// rate-limit notices; cmd/flowengine wires the same instance into
// flow.Manager's Notifier and pkg/reaper's Notifier, so every outbound
// send to the messaging provider — regardless of which component
// triggers it — observes the same breaker state.
type GuardedNotifier struct {
	inner   Notifier
	breaker *breaker.Breaker
}

// NewGuardedNotifier wraps inner behind b. inner's own failures (not
// just breaker refusals) still count toward the breaker's trip
// threshold.
func NewGuardedNotifier(inner Notifier, b *breaker.Breaker) *GuardedNotifier {
	return &GuardedNotifier{inner: inner, breaker: b}
}

func (g *GuardedNotifier) SendText(identity, text string) error {
	allowed, err := g.breaker.CanExecute()
	if !allowed {
		return err
	}

	if sendErr := g.inner.SendText(identity, text); sendErr != nil {
		g.breaker.RecordFailure()
		return &flowerrors.ExternalServiceError{Service: "messaging_provider", Cause: sendErr}
	}
	g.breaker.RecordSuccess()
	return nil
}
