// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/secretstore"
)

const (
	// maxPayloadBytes is the post-redaction payload size limit.
	maxPayloadBytes = 64 * 1024

	// maxHopCount bounds store-and-forward chains against routing loops.
	maxHopCount = 8

	// defaultMaxRetries applies when no matching routing rule supplies one.
	defaultMaxRetries = 5

	// defaultTTL applies when no matching routing rule supplies one.
	defaultTTL = time.Hour

	minTTL = 5 * time.Minute
	maxTTL = 24 * time.Hour
)

// Envelope is an inbound message as submitted to Ingest, before any
// server-assigned fields (ID, timestamps, retry/lease bookkeeping) are
// attached.
type Envelope struct {
	From           string
	To             string
	Type           string
	Payload        json.RawMessage
	CorrelationID  *string
	IdempotencyKey string
	HopCount       int
}

// Router validates, applies policy to, and persists inbound messages.
type Router struct {
	registry *registry.Registry
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   *slog.Logger
}

// New constructs a Router over the given Registry and Bus. Every
// accepted message publishes its "queued" MessageEvent on bus.Messages.
func New(reg *registry.Registry, bus *eventbus.Bus, cl clock.Clock, logger *slog.Logger) *Router {
	if cl == nil {
		cl = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{registry: reg, bus: bus, clock: cl, logger: logger}
}

// Ingest validates env, checks idempotency, evaluates routing policy,
// redacts the payload, and persists it. A rejected envelope never
// produces a row: every early return is a synchronous validation or
// policy failure.
func (rt *Router) Ingest(ctx context.Context, env Envelope) (*registry.Message, error) {
	if err := rt.validate(env); err != nil {
		return nil, err
	}

	// GetInstanceByName only returns non-archived instances, so a
	// lookup failure here already covers both "does not exist" and
	// "exists but archived" — both must reject identically per the
	// validation contract.
	from, err := rt.registry.GetInstanceByName(ctx, env.From)
	if err != nil {
		return nil, err
	}

	to, err := rt.registry.GetInstanceByName(ctx, env.To)
	if err != nil {
		return nil, err
	}

	if existing, err := rt.registry.FindDuplicate(ctx, env.IdempotencyKey, from.UUID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	rule, err := rt.registry.MatchRoutingRule(ctx, from.Name, to.Name, env.Type)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, cperror.Newf(cperror.UnauthorizedRoute,
			"no routing rule admits %s -> %s (%s)", from.Name, to.Name, env.Type)
	}

	maxRetries := defaultMaxRetries
	if rule.MaxRetries != nil {
		maxRetries = *rule.MaxRetries
	}
	ttl := defaultTTL
	if rule.TTLSeconds != nil {
		ttl = time.Duration(*rule.TTLSeconds) * time.Second
	}
	ttl = clampDuration(ttl, minTTL, maxTTL)

	redacted := secretstore.Redact(env.Payload)
	if len(redacted) > maxPayloadBytes {
		return nil, cperror.Newf(cperror.Validation, "payload exceeds %d bytes after redaction", maxPayloadBytes).
			WithDetail("payload")
	}

	now := rt.clock.Now()
	message, err := rt.registry.EnqueueMessage(ctx, registry.NewMessageParams{
		ID:             uuid.NewString(),
		FromInstance:   from.UUID,
		ToInstance:     to.UUID,
		Type:           env.Type,
		Payload:        redacted,
		CorrelationID:  env.CorrelationID,
		IdempotencyKey: env.IdempotencyKey,
		ExpiresAt:      now.Add(ttl),
		HopCount:       env.HopCount,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		return nil, err
	}

	if rt.bus != nil {
		rt.bus.Messages.Publish(registry.MessageEvent{
			MessageID: message.ID,
			Kind:      registry.EventQueued,
			CreatedAt: now,
		})
	}

	return message, nil
}

func (rt *Router) validate(env Envelope) error {
	if env.From == "" {
		return cperror.New(cperror.Validation, "from is required").WithDetail("from")
	}
	if env.To == "" {
		return cperror.New(cperror.Validation, "to is required").WithDetail("to")
	}
	if env.Type == "" {
		return cperror.New(cperror.Validation, "type is required").WithDetail("type")
	}
	if env.IdempotencyKey == "" {
		return cperror.New(cperror.Validation, "idempotency_key is required").WithDetail("idempotency_key")
	}
	if env.HopCount > maxHopCount {
		return cperror.Newf(cperror.Validation, "hop_count %d exceeds maximum %d", env.HopCount, maxHopCount).
			WithDetail("hop_count")
	}
	if env.HopCount < 0 {
		return cperror.New(cperror.Validation, "hop_count must be non-negative").WithDetail("hop_count")
	}
	return nil
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
