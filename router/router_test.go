// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lib/testutil"
	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/router"
)

func openTestRegistry(t *testing.T) (*registry.Registry, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), fake, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := reg.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return reg, fake
}

func createTestInstance(t *testing.T, reg *registry.Registry, name string, port int) *registry.Instance {
	t.Helper()
	instance, err := reg.CreateInstance(context.Background(), registry.NewInstanceParams{
		UUID: name + "-uuid", Name: name, Port: port,
		ConfigPath: "/tmp/config.toml", WorkspaceDir: "/tmp/workspace",
	})
	if err != nil {
		t.Fatalf("CreateInstance(%s): %v", name, err)
	}
	return instance
}

func TestIngest_RejectsWithoutMatchingRule(t *testing.T) {
	reg, fake := openTestRegistry(t)
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	rt := router.New(reg, eventbus.New(), fake, nil)
	_, err := rt.Ingest(context.Background(), router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: json.RawMessage(`{}`), IdempotencyKey: "k1",
	})
	if cperror.KindOf(err) != cperror.UnauthorizedRoute {
		t.Fatalf("expected UnauthorizedRoute, got %v", err)
	}

	messages, listErr := reg.ListMessages(context.Background(), 10)
	if listErr != nil {
		t.Fatalf("ListMessages: %v", listErr)
	}
	if len(messages) != 0 {
		t.Fatalf("rejection must never enqueue a row, found %d", len(messages))
	}
}

func TestIngest_HappyPathPublishesEvent(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx := context.Background()
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	if _, err := reg.AddRoutingRule(ctx, registry.NewRoutingRuleParams{
		FromPattern: a.Name, ToPattern: b.Name, TypePattern: "task.*",
	}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	bus := eventbus.New()
	sub := bus.Messages.Subscribe()
	defer sub.Unsubscribe()

	rt := router.New(reg, bus, fake, nil)
	message, err := rt.Ingest(ctx, router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: json.RawMessage(`{"hello":"world"}`), IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if message.Status != registry.MessageQueued {
		t.Fatalf("status = %s, want queued", message.Status)
	}
	if message.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d, want default 5", message.MaxRetries)
	}

	envelope := testutil.RequireReceive(t, sub.Events(), time.Second, "waiting for queued event")
	if envelope.Lagged {
		t.Fatal("unexpected lag signal")
	}
	if envelope.Value.MessageID != message.ID {
		t.Fatalf("published event for %s, want %s", envelope.Value.MessageID, message.ID)
	}
}

func TestIngest_DuplicateIdempotencyKeyReturnsOriginal(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx := context.Background()
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	if _, err := reg.AddRoutingRule(ctx, registry.NewRoutingRuleParams{
		FromPattern: a.Name, ToPattern: b.Name, TypePattern: "task.*",
	}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	rt := router.New(reg, eventbus.New(), fake, nil)
	env := router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: json.RawMessage(`{}`), IdempotencyKey: "k1",
	}

	first, err := rt.Ingest(ctx, env)
	if err != nil {
		t.Fatalf("Ingest (first): %v", err)
	}
	second, err := rt.Ingest(ctx, env)
	if err != nil {
		t.Fatalf("Ingest (second): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate send returned a new id %s, want original %s", second.ID, first.ID)
	}

	messages, err := reg.ListMessages(ctx, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want exactly 1 row for the duplicate send", len(messages))
	}
}

func TestIngest_RedactsPayloadBeforePersistence(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx := context.Background()
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	if _, err := reg.AddRoutingRule(ctx, registry.NewRoutingRuleParams{
		FromPattern: a.Name, ToPattern: b.Name, TypePattern: "task.*",
	}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	rt := router.New(reg, eventbus.New(), fake, nil)
	secretPayload := json.RawMessage(`{"token":"ghp_abcdefghijklmnopqrstuvwxyz"}`)
	message, err := rt.Ingest(ctx, router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: secretPayload, IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stored, err := reg.GetMessage(ctx, message.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if string(stored.Payload) == string(secretPayload) {
		t.Fatal("secret token was persisted unredacted")
	}
}

func TestIngest_RejectsExcessiveHopCount(t *testing.T) {
	reg, fake := openTestRegistry(t)
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	rt := router.New(reg, eventbus.New(), fake, nil)
	_, err := rt.Ingest(context.Background(), router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: json.RawMessage(`{}`), IdempotencyKey: "k1", HopCount: 9,
	})
	if cperror.KindOf(err) != cperror.Validation {
		t.Fatalf("expected Validation for hop_count 9, got %v", err)
	}
}

func TestIngest_RejectsArchivedRecipient(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx := context.Background()
	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)
	if err := reg.ArchiveInstance(ctx, b.UUID); err != nil {
		t.Fatalf("ArchiveInstance: %v", err)
	}

	rt := router.New(reg, eventbus.New(), fake, nil)
	_, err := rt.Ingest(ctx, router.Envelope{
		From: a.Name, To: b.Name, Type: "task.handoff",
		Payload: json.RawMessage(`{}`), IdempotencyKey: "k1",
	})
	if cperror.KindOf(err) != cperror.NotFound {
		t.Fatalf("expected NotFound for archived recipient, got %v", err)
	}
}
