// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/httpapi"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lifecycle"
	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/router"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *clock.FakeClock) {
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

	bus := eventbus.New()
	rt := router.New(reg, bus, fake, nil)
	mgr := lifecycle.New(reg, bus, fake, nil, t.TempDir(), "sleep", time.Second, 10*time.Second)
	handler := httpapi.NewHandler(reg, rt, mgr, nil)

	server := httptest.NewServer(httpapi.NewServer("", handler).Handler)
	t.Cleanup(server.Close)
	return server, reg, fake
}

func postJSON(t *testing.T, server *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestCreateAndGetInstance(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := postJSON(t, server, "/instances", map[string]any{
		"name": "a", "port": 19801, "config_path": "/tmp/a.toml",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created map[string]any
	decodeBody(t, resp, &created)
	if created["status"] != "stopped" {
		t.Fatalf("status = %v, want stopped", created["status"])
	}

	getResp, err := http.Get(server.URL + "/instances/a")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
}

func TestCreateInstance_DuplicateNameConflicts(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := map[string]any{"name": "a", "port": 19801, "config_path": "/tmp/a.toml"}
	if resp := postJSON(t, server, "/instances", body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d, want 201", resp.StatusCode)
	}
	resp := postJSON(t, server, "/instances", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409", resp.StatusCode)
	}
}

func TestMessageLifecycle_IngestAckAndEvents(t *testing.T) {
	server, reg, _ := newTestServer(t)
	ctx := context.Background()

	if resp := postJSON(t, server, "/instances", map[string]any{"name": "a", "port": 19801, "config_path": "/tmp/a.toml"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create a: %d", resp.StatusCode)
	}
	if resp := postJSON(t, server, "/instances", map[string]any{"name": "b", "port": 19802, "config_path": "/tmp/b.toml"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create b: %d", resp.StatusCode)
	}
	if _, err := reg.AddRoutingRule(ctx, registry.NewRoutingRuleParams{FromPattern: "a", ToPattern: "b", TypePattern: "task.handoff"}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	ingestResp := postJSON(t, server, "/messages", map[string]any{
		"from": "a", "to": "b", "type": "task.handoff",
		"payload": map[string]any{"note": "hi"}, "idempotency_key": "k1",
	})
	if ingestResp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, want 201", ingestResp.StatusCode)
	}
	var message map[string]any
	decodeBody(t, ingestResp, &message)
	messageID, _ := message["id"].(string)
	if messageID == "" {
		t.Fatal("expected non-empty message id")
	}
	if message["status"] != "queued" {
		t.Fatalf("status = %v, want queued", message["status"])
	}

	eventsResp, err := http.Get(server.URL + "/messages/" + messageID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	var events []map[string]any
	decodeBody(t, eventsResp, &events)
	if len(events) != 2 {
		t.Fatalf("expected 2 events (created, queued), got %d", len(events))
	}

	// Acknowledge requires status=delivered; this message is still
	// queued, so the HTTP surface must reject it.
	ackResp := postJSON(t, server, "/messages/"+messageID+"/ack", map[string]any{})
	if ackResp.StatusCode != http.StatusConflict {
		t.Fatalf("ack before delivery status = %d, want 409", ackResp.StatusCode)
	}
}

func TestIngestMessage_RejectsWithoutRoutingRule(t *testing.T) {
	server, _, _ := newTestServer(t)

	postJSON(t, server, "/instances", map[string]any{"name": "a", "port": 19801, "config_path": "/tmp/a.toml"})
	postJSON(t, server, "/instances", map[string]any{"name": "b", "port": 19802, "config_path": "/tmp/b.toml"})

	resp := postJSON(t, server, "/messages", map[string]any{
		"from": "a", "to": "b", "type": "task.handoff",
		"payload": map[string]any{}, "idempotency_key": "k1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (unauthorized_route)", resp.StatusCode)
	}
}

func TestReplayMessage_RequiresDeadLetter(t *testing.T) {
	server, reg, _ := newTestServer(t)
	ctx := context.Background()

	postJSON(t, server, "/instances", map[string]any{"name": "a", "port": 19801, "config_path": "/tmp/a.toml"})
	postJSON(t, server, "/instances", map[string]any{"name": "b", "port": 19802, "config_path": "/tmp/b.toml"})
	if _, err := reg.AddRoutingRule(ctx, registry.NewRoutingRuleParams{FromPattern: "a", ToPattern: "b", TypePattern: "task.handoff"}); err != nil {
		t.Fatalf("AddRoutingRule: %v", err)
	}

	ingestResp := postJSON(t, server, "/messages", map[string]any{
		"from": "a", "to": "b", "type": "task.handoff",
		"payload": map[string]any{}, "idempotency_key": "k1",
	})
	var message map[string]any
	decodeBody(t, ingestResp, &message)

	replayResp := postJSON(t, server, "/messages/"+message["id"].(string)+"/replay", map[string]any{})
	if replayResp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409 (not dead_letter)", replayResp.StatusCode)
	}
}
