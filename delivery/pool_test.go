// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/zeroclaw/cp/delivery"
	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lib/testutil"
	"github.com/zeroclaw/cp/registry"
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

func testServerPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	return port
}

func TestPool_DeliversSuccessfully(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := createTestInstance(t, reg, "a", 18801)

	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		received <- struct{}{}
	}))
	defer server.Close()
	b := createTestInstance(t, reg, "b", testServerPort(t, server))

	message, err := reg.EnqueueMessage(ctx, registry.NewMessageParams{
		ID: "msg-1", FromInstance: a.UUID, ToInstance: b.UUID, Type: "task.handoff",
		Payload: []byte(`{}`), IdempotencyKey: "k1",
		ExpiresAt: fake.Now().Add(time.Hour), MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	bus := eventbus.New()
	pool := delivery.New(reg, bus, fake, nil, delivery.Config{
		WorkerCount: 1, AttemptTimeout: 5 * time.Second,
		LeaseDuration: 30 * time.Second, TTLSweepInterval: time.Hour,
	})
	go pool.Run(ctx)

	testutil.RequireReceive(t, received, 5*time.Second, "waiting for delivery attempt")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		final, err := reg.GetMessage(context.Background(), message.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if final.Status == registry.MessageDelivered {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never transitioned to delivered")
}

func TestPool_FailureSchedulesRetry(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := createTestInstance(t, reg, "a", 18801)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	b := createTestInstance(t, reg, "b", testServerPort(t, server))

	message, err := reg.EnqueueMessage(ctx, registry.NewMessageParams{
		ID: "msg-1", FromInstance: a.UUID, ToInstance: b.UUID, Type: "task.handoff",
		Payload: []byte(`{}`), IdempotencyKey: "k1",
		ExpiresAt: fake.Now().Add(time.Hour), MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	pool := delivery.New(reg, eventbus.New(), fake, nil, delivery.Config{
		WorkerCount: 1, AttemptTimeout: 5 * time.Second,
		LeaseDuration: 30 * time.Second, TTLSweepInterval: time.Hour,
	})
	go pool.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		final, err := reg.GetMessage(context.Background(), message.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if final.RetryCount > 0 {
			if final.Status != registry.MessageQueued {
				t.Fatalf("status = %s, want still queued after one failed attempt", final.Status)
			}
			if final.NextAttemptAt == nil {
				t.Fatal("expected next_attempt_at to be set after failure")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never recorded a retry")
}

func TestPool_SweeperDeadLettersExpiredMessages(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := createTestInstance(t, reg, "a", 18801)
	b := createTestInstance(t, reg, "b", 18802)

	message, err := reg.EnqueueMessage(ctx, registry.NewMessageParams{
		ID: "msg-1", FromInstance: a.UUID, ToInstance: b.UUID, Type: "task.handoff",
		Payload: []byte(`{}`), IdempotencyKey: "k1",
		ExpiresAt: fake.Now().Add(time.Minute), MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	pool := delivery.New(reg, eventbus.New(), fake, nil, delivery.Config{
		WorkerCount: 0, AttemptTimeout: 5 * time.Second,
		LeaseDuration: 30 * time.Second, TTLSweepInterval: 10 * time.Millisecond,
	})
	go pool.Run(ctx)

	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		final, err := reg.GetMessage(context.Background(), message.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if final.Status == registry.MessageDeadLetter {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expired message was never swept to dead_letter")
}
