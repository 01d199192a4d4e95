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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aleutian/flowengine/internal/flowerrors"
	"github.com/aleutian/flowengine/internal/logging"
	"github.com/aleutian/flowengine/pkg/dedup"
	"github.com/aleutian/flowengine/pkg/dlq"
	"github.com/aleutian/flowengine/pkg/flow"
	"github.com/aleutian/flowengine/pkg/ratelimit"
	"github.com/aleutian/flowengine/pkg/retry"
	"github.com/aleutian/flowengine/pkg/session"
	"github.com/aleutian/flowengine/pkg/worker"
)

var tracer = otel.Tracer("github.com/aleutian/flowengine/pkg/webhookhttp")

// Config controls the ingress's verification policy and the one
// user-facing text it sends on its own behalf (the rate-limit
// notice — every other outbound text belongs to a flow handler or the
// reaper).
type Config struct {
	VerifyToken             string
	AppSecret               string
	SkipSignatureValidation bool
	IsProduction            bool
	RequestTimeout          time.Duration
	RateLimitText           string
	// BackgroundTaskTimeout bounds a background enrichment task,
	// separate from RequestTimeout. Defaults to 60s.
	BackgroundTaskTimeout time.Duration
	// BackgroundBusyText is sent when the background pool is at
	// capacity and an image/audio event is rejected by Submit.
	BackgroundBusyText string
	// BackgroundFailureText is sent when a background enrichment task
	// fails (including after the retry engine's ConcurrencyError
	// retries are used up).
	BackgroundFailureText string
	// TerminalButtonPassthrough names button ids that a flow still owns
	// from a terminal state (e.g. a survey's own restart control) and
	// that must dispatch as-is, without FlowManager.ReactivateIfTerminal
	// running first. Any other button reactivates the session to
	// INICIO before dispatch, per the routing table's terminal-state
	// rule.
	TerminalButtonPassthrough []string
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RequestTimeout
}

// backgroundTimeout bounds a background enrichment task's own budget,
// independent of the ingress request that submitted it (the request
// has already returned 200 by the time the task runs).
func (c Config) backgroundTimeout() time.Duration {
	if c.BackgroundTaskTimeout <= 0 {
		return 60 * time.Second
	}
	return c.BackgroundTaskTimeout
}

// Ingress is the WebhookIngress: GET verification, POST dedup/
// classify/rate-limit/dispatch, with every handler invocation wrapped
// so the HTTP response is always 200 once a message is claimed.
type Ingress struct {
	cfg         Config
	passthrough map[string]struct{}

	store    session.Store
	dedup    dedup.Claimer
	limiter  *ratelimit.Limiter
	manager  *flow.Manager
	pool     *worker.Pool
	analyzer MediaAnalyzer
	sink     dlq.Sink
	notifier Notifier
	retryCfg retry.Config

	validate *validator.Validate
	log      *slog.Logger
}

// New wires an Ingress. notifier may be nil, in which case a denied
// rate-limit check silently drops the event instead of notifying.
// pool and analyzer route KindImage/KindAudio events through
// background enrichment (spec component 6); analyzer may be nil only
// if no image/audio traffic is expected, in which case such events are
// dead-lettered instead of dispatched.
func New(cfg Config, store session.Store, claimer dedup.Claimer, limiter *ratelimit.Limiter, manager *flow.Manager, pool *worker.Pool, analyzer MediaAnalyzer, sink dlq.Sink, notifier Notifier, retryCfg retry.Config, log *slog.Logger) *Ingress {
	if log == nil {
		log = logging.Default()
	}
	passthrough := make(map[string]struct{}, len(cfg.TerminalButtonPassthrough))
	for _, id := range cfg.TerminalButtonPassthrough {
		passthrough[id] = struct{}{}
	}
	return &Ingress{
		cfg:         cfg,
		passthrough: passthrough,
		store:       store,
		dedup:       claimer,
		limiter:     limiter,
		manager:     manager,
		pool:        pool,
		analyzer:    analyzer,
		sink:        sink,
		notifier:    notifier,
		retryCfg:    retryCfg,
		validate:    validator.New(),
		log:         logging.Named(log, "webhook-ingress"),
	}
}

// RegisterRoutes mounts GET/POST /webhook on router, following the
// teacher's route-group wiring convention.
func (ing *Ingress) RegisterRoutes(router gin.IRouter) {
	router.GET("/webhook", ing.HandleVerify)
	router.POST("/webhook", ing.HandlePost)
}

// HandleVerify answers the provider's subscription challenge: echo
// hub.challenge when hub.verify_token matches the configured token,
// else 403.
func (ing *Ingress) HandleVerify(c *gin.Context) {
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if token == "" || token != ing.cfg.VerifyToken {
		c.String(http.StatusForbidden, "")
		return
	}
	c.String(http.StatusOK, challenge)
}

// HandlePost verifies the signature, then claims/classifies/dispatches
// every inbound message. It always answers 200 once the signature
// check has passed, per the provider's retry-avoidance contract.
func (ing *Ingress) HandlePost(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "WebhookIngress.HandlePost")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		ing.log.Warn("failed to read webhook body", "error", err)
		c.Status(http.StatusOK)
		return
	}

	if !ing.cfg.SkipSignatureValidation {
		if !verifySignature(c.GetHeader("X-Hub-Signature-256"), body, ing.cfg.AppSecret) {
			span.SetAttributes(attribute.Bool("signature.valid", false))
			if ing.cfg.IsProduction {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
				return
			}
			ing.log.Warn("webhook signature invalid, continuing outside production")
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		ing.log.Debug("ignoring malformed webhook body", "error", err)
		c.Status(http.StatusOK)
		return
	}
	if err := ing.validate.Struct(payload); err != nil || payload.Object != "whatsapp_business_account" {
		ing.log.Debug("ignoring non-messaging webhook payload", "object", payload.Object)
		c.Status(http.StatusOK)
		return
	}

	deadline := time.Now().Add(ing.cfg.requestTimeout())
	reqCtx, cancel := context.WithTimeout(ctx, ing.cfg.requestTimeout())
	defer cancel()

	messageCount := 0
	for _, e := range payload.Entry {
		for _, ch := range e.Changes {
			ing.enrichDisplayNames(ch.Value.Contacts)
			for _, msg := range ch.Value.Messages {
				messageCount++
				ing.processMessage(reqCtx, msg, deadline)
			}
		}
	}
	span.SetAttributes(attribute.Int("webhook.message_count", messageCount))

	c.Status(http.StatusOK)
}

// enrichDisplayNames updates the session's UserDisplayName from the
// contacts array, fire-and-forget: a failure here never affects the
// inbound event's processing or response.
func (ing *Ingress) enrichDisplayNames(contacts []waContact) {
	for _, contact := range contacts {
		if contact.WaID == "" || contact.Profile.Name == "" {
			continue
		}
		if err := ing.store.SetDisplayName(contact.WaID, contact.Profile.Name); err != nil {
			ing.log.Warn("display name update failed", "identity", contact.WaID, "error", err)
		}
	}
}

func (ing *Ingress) processMessage(ctx context.Context, msg waMessage, deadline time.Time) {
	cm := classify(msg)
	if cm.MessageID == "" || cm.Identity == "" {
		return
	}

	claim, err := ing.dedup.ClaimMessage(cm.MessageID, cm.Identity)
	if err != nil {
		ing.log.Error("dedup claim failed", "message_id", cm.MessageID, "error", err)
		return
	}
	if claim.IsDuplicate {
		ing.log.Debug("dropping duplicate delivery", "message_id", cm.MessageID, "retry_count", claim.RetryCount)
		return
	}

	if err := ing.store.TouchActivity(cm.Identity); err != nil {
		ing.log.Warn("touch activity failed", "identity", cm.Identity, "error", err)
	}

	if cm.Kind == KindStatus || cm.Kind == KindUnclassified {
		return
	}

	if kind, ok := rateLimitKind(cm.Kind); ok {
		decision, err := ing.limiter.Check(cm.Identity, kind)
		if err != nil {
			ing.log.Warn("rate limit check failed, allowing by default", "identity", cm.Identity, "error", err)
		} else if !decision.Allowed {
			ing.sendRateLimitNotice(cm.Identity)
			return
		} else {
			ing.limiter.Record(cm.Identity, kind)
		}
	}

	ingress := flow.IngressContext{CorrelationID: uuid.NewString(), Deadline: deadline}
	if err := ing.dispatch(ctx, cm, ingress); err != nil {
		ing.deadLetter(cm, err)
	}
}

func rateLimitKind(kind Kind) (ratelimit.Kind, bool) {
	switch kind {
	case KindText, KindButtonReply, KindListReply, KindLocation:
		return ratelimit.KindMessage, true
	case KindImage:
		return ratelimit.KindImage, true
	case KindAudio:
		return ratelimit.KindAudio, true
	default:
		return "", false
	}
}

func (ing *Ingress) sendRateLimitNotice(identity string) {
	if ing.notifier == nil || ing.cfg.RateLimitText == "" {
		return
	}
	if err := ing.notifier.SendText(identity, ing.cfg.RateLimitText); err != nil {
		ing.log.Warn("rate limit notice send failed", "identity", identity, "error", err)
	}
}

// dispatch routes a classified message through FlowManager, rereading
// the session fresh on every retry attempt so a losing writer always
// replays against the winner's committed state.
func (ing *Ingress) dispatch(ctx context.Context, cm ClassifiedMessage, ingress flow.IngressContext) error {
	switch cm.Kind {
	case KindButtonReply, KindListReply:
		reply := cm.Payload.(InteractiveReplyPayload)
		return ing.dispatchButton(ctx, cm.Identity, reply.ID, ingress)
	case KindImage, KindAudio:
		ing.dispatchBackground(cm, ingress)
		return nil
	default:
		return ing.dispatchMessage(ctx, cm.Identity, cm.Payload, ingress)
	}
}

func (ing *Ingress) dispatchMessage(ctx context.Context, identity string, payload any, ingress flow.IngressContext) error {
	_, err := retry.WithSessionRetry(ctx, ing.store, identity, ing.retryCfg, func(ctx context.Context, fresh session.Session, attempt int) error {
		sess, err := ing.manager.ReactivateIfTerminal(identity, fresh)
		if err != nil {
			return err
		}
		_, err = ing.manager.DispatchMessage(identity, payload, sess, ingress)
		return err
	})
	return err
}

func (ing *Ingress) dispatchButton(ctx context.Context, identity, buttonID string, ingress flow.IngressContext) error {
	_, err := retry.WithSessionRetry(ctx, ing.store, identity, ing.retryCfg, func(ctx context.Context, fresh session.Session, attempt int) error {
		sess := fresh
		if _, exempt := ing.passthrough[buttonID]; !exempt {
			var err error
			sess, err = ing.manager.ReactivateIfTerminal(identity, fresh)
			if err != nil {
				return err
			}
		}
		_, err := ing.manager.DispatchButton(identity, buttonID, sess, ingress)
		return err
	})
	return err
}

// dispatchBackground submits an image/audio event to the background
// pool (spec component 6, BackgroundWorker) instead of dispatching it
// synchronously. Submit never blocks: a pool at capacity sends the
// user a busy notice immediately, same posture as a rate-limit denial.
// The task itself reads a fresh session, routes the analyzer's
// extracted text through the same flow dispatcher a text message
// would use, and commits with optimistic locking; pkg/worker retries
// the whole task on ConcurrencyError (retry.DefaultConfig: up to three
// attempts in all) before giving up.
func (ing *Ingress) dispatchBackground(cm ClassifiedMessage, ingress flow.IngressContext) {
	media, _ := cm.Payload.(MediaPayload)

	taskCtx, cancel := context.WithTimeout(context.Background(), ing.cfg.backgroundTimeout())

	result := ing.pool.Submit(taskCtx, worker.Task{
		Identity:      cm.Identity,
		CorrelationID: ingress.CorrelationID,
		Run: func(_ context.Context, fresh session.Session) error {
			if ing.analyzer == nil {
				return &flowerrors.ExternalServiceError{Service: "media_analyzer", Cause: fmt.Errorf("no analyzer configured")}
			}
			extracted, err := ing.analyzer.Analyze(media)
			if err != nil {
				return &flowerrors.ExternalServiceError{Service: "media_analyzer", Cause: err}
			}
			sess, err := ing.manager.ReactivateIfTerminal(cm.Identity, fresh)
			if err != nil {
				return err
			}
			_, err = ing.manager.DispatchMessage(cm.Identity, extracted, sess, ingress)
			return err
		},
		OnFailure: func(identity string, err error) {
			ing.log.Error("background enrichment failed", "identity", identity, "message_id", cm.MessageID, "error", err)
			ing.deadLetter(cm, err)
			ing.sendBackgroundFailureNotice(identity)
		},
	})

	if !result.Accepted {
		cancel()
		ing.sendBackgroundBusyNotice(cm.Identity)
	}
}

func (ing *Ingress) sendBackgroundBusyNotice(identity string) {
	if ing.notifier == nil || ing.cfg.BackgroundBusyText == "" {
		return
	}
	if err := ing.notifier.SendText(identity, ing.cfg.BackgroundBusyText); err != nil {
		ing.log.Warn("background busy notice send failed", "identity", identity, "error", err)
	}
}

func (ing *Ingress) sendBackgroundFailureNotice(identity string) {
	if ing.notifier == nil || ing.cfg.BackgroundFailureText == "" {
		return
	}
	if err := ing.notifier.SendText(identity, ing.cfg.BackgroundFailureText); err != nil {
		ing.log.Warn("background failure notice send failed", "identity", identity, "error", err)
	}
}

func (ing *Ingress) deadLetter(cm ClassifiedMessage, cause error) {
	raw, err := json.Marshal(cm)
	if err != nil {
		raw = []byte(cm.MessageID)
	}
	if _, err := ing.sink.Write(string(raw), cause); err != nil {
		ing.log.Error("dead letter write failed", "message_id", cm.MessageID, "error", err)
	}
	ing.log.Error("handler invocation failed", "identity", cm.Identity, "message_id", cm.MessageID, "error", cause)
}
