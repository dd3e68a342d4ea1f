// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lib/netutil"
	"github.com/zeroclaw/cp/registry"
)

// pollInterval is how long an idle worker waits before re-attempting a
// lease when the last attempt found nothing queued.
const pollInterval = time.Second

// maxBackoff is the ceiling on the unjittered exponential backoff
// applied between delivery retries.
const maxBackoff = 60 * time.Second

// Config configures the delivery worker pool.
type Config struct {
	WorkerCount      int
	AttemptTimeout   time.Duration
	LeaseDuration    time.Duration
	TTLSweepInterval time.Duration
}

// Pool is the fixed-size worker pool that drains the message queue.
type Pool struct {
	registry *registry.Registry
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   *slog.Logger
	client   *http.Client
	config   Config

	leaseOwnerPrefix string
}

// New constructs a delivery Pool. The HTTP client's Timeout is set to
// config.AttemptTimeout so a single slow agent can never stall a
// worker beyond its configured deadline.
func New(reg *registry.Registry, bus *eventbus.Bus, cl clock.Clock, logger *slog.Logger, config Config) *Pool {
	if cl == nil {
		cl = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		registry:         reg,
		bus:              bus,
		clock:            cl,
		logger:           logger,
		client:           &http.Client{Timeout: config.AttemptTimeout},
		config:           config,
		leaseOwnerPrefix: "delivery-worker",
	}
}

// Run starts the configured number of worker goroutines and the TTL
// sweeper, blocking until ctx is canceled. Every goroutine drains
// cleanly: an in-flight delivery attempt finishes (bounded by its own
// AttemptTimeout), then the worker observes ctx.Done and returns.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.config.WorkerCount+1)

	for i := 0; i < p.config.WorkerCount; i++ {
		owner := fmt.Sprintf("%s-%d", p.leaseOwnerPrefix, i)
		go func(owner string) {
			defer func() { done <- struct{}{} }()
			p.runWorker(ctx, owner)
		}(owner)
	}

	go func() {
		defer func() { done <- struct{}{} }()
		p.runSweeper(ctx)
	}()

	for i := 0; i < p.config.WorkerCount+1; i++ {
		<-done
	}
}

func (p *Pool) runWorker(ctx context.Context, owner string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leased, err := p.registry.LeaseMessages(ctx, owner, 1, p.config.LeaseDuration)
		if err != nil {
			p.logger.Error("lease attempt failed", "worker", owner, "error", err)
			p.waitOrDone(ctx, pollInterval)
			continue
		}
		if len(leased) == 0 {
			p.waitOrDone(ctx, pollInterval)
			continue
		}

		for _, message := range leased {
			p.deliver(ctx, owner, message)
		}
	}
}

func (p *Pool) waitOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
}

// deliver attempts one delivery of message to its target instance's
// local HTTP port and records the outcome.
func (p *Pool) deliver(ctx context.Context, owner string, message *registry.Message) {
	instance, err := p.registry.GetInstance(ctx, message.ToInstance)
	if err != nil {
		p.recordFailure(ctx, owner, message, fmt.Sprintf("target instance lookup failed: %v", err))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/messages", instance.Port)
	request, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(message.Payload))
	if err != nil {
		p.recordFailure(ctx, owner, message, fmt.Sprintf("building request: %v", err))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Message-Id", message.ID)
	request.Header.Set("X-Message-Type", message.Type)

	response, err := p.client.Do(request)
	if err != nil {
		p.recordFailure(ctx, owner, message, fmt.Sprintf("delivery request failed: %v", err))
		return
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail := netutil.ErrorBody(response.Body)
		p.recordFailure(ctx, owner, message,
			fmt.Sprintf("agent returned status %d: %s", response.StatusCode, detail))
		return
	}

	if err := p.registry.RecordDeliverySuccess(ctx, message.ID, owner); err != nil {
		p.logger.Error("recording delivery success failed", "message_id", message.ID, "error", err)
		return
	}
	p.publish(message.ID, registry.EventDelivered)
}

func (p *Pool) recordFailure(ctx context.Context, owner string, message *registry.Message, detail string) {
	retryCount := message.RetryCount + 1
	backoff := backoffWithJitter(retryCount)
	nextAttempt := p.clock.Now().Add(backoff)

	if err := p.registry.RecordDeliveryFailure(ctx, message.ID, owner, detail, nextAttempt); err != nil {
		p.logger.Error("recording delivery failure failed", "message_id", message.ID, "error", err)
		return
	}
	p.publish(message.ID, registry.EventDeliveryAttempted)
}

func (p *Pool) publish(messageID string, kind registry.MessageEventKind) {
	if p.bus == nil {
		return
	}
	p.bus.Messages.Publish(registry.MessageEvent{
		MessageID: messageID,
		Kind:      kind,
		CreatedAt: p.clock.Now(),
	})
}

// backoffWithJitter computes next_attempt_at = min(60s, 1s * 2^retryCount) * jitter(0.5..1.5).
func backoffWithJitter(retryCount int) time.Duration {
	base := time.Second << retryCount
	if base <= 0 || base > maxBackoff {
		base = maxBackoff
	}

	//nolint:gosec // jitter spacing between retries, not security.
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(base) * jitter)
}
