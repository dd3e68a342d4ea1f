// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lifecycle"
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

// newTestManager builds a Manager whose "agent binary" is /bin/sleep,
// so Start exercises the real procctl.Spawn path without needing a
// purpose-built test binary.
func newTestManager(t *testing.T, reg *registry.Registry, fake *clock.FakeClock) (*lifecycle.Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	mgr := lifecycle.New(reg, bus, fake, nil, t.TempDir(), "sleep", time.Second, 10*time.Second)
	return mgr, bus
}

func TestCreate_AllocatesPortWhenUnset(t *testing.T) {
	reg, fake := openTestRegistry(t)
	mgr, _ := newTestManager(t, reg, fake)
	ctx := context.Background()

	instance, err := mgr.Create(ctx, lifecycle.CreateParams{Name: "a", ConfigPath: "/tmp/a.toml"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if instance.Port < 20000 || instance.Port >= 40000 {
		t.Fatalf("Port = %d, want in [20000, 40000)", instance.Port)
	}
	if instance.Status != registry.InstanceStopped {
		t.Fatalf("Status = %s, want stopped", instance.Status)
	}

	second, err := mgr.Create(ctx, lifecycle.CreateParams{Name: "b", ConfigPath: "/tmp/b.toml"})
	if err != nil {
		t.Fatalf("Create (second): %v", err)
	}
	if second.Port == instance.Port {
		t.Fatal("expected distinct allocated ports")
	}
}

func TestStartStop_RoundTrip(t *testing.T) {
	reg, fake := openTestRegistry(t)
	mgr, bus := newTestManager(t, reg, fake)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, lifecycle.CreateParams{Name: "a", Port: 19801, ConfigPath: "/tmp/a.toml"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := bus.Instances.Subscribe()
	defer sub.Unsubscribe()

	startResultCh := make(chan struct {
		instance *registry.Instance
		err      error
	}, 1)
	go func() {
		instance, err := mgr.Start(ctx, "a")
		startResultCh <- struct {
			instance *registry.Instance
			err      error
		}{instance, err}
	}()

	// Spawn's post-spawn survival check waits on the fake clock.
	fake.WaitForTimers(1)
	fake.Advance(250 * time.Millisecond)

	started := <-startResultCh
	if started.err != nil {
		t.Fatalf("Start: %v", started.err)
	}
	if started.instance.Status != registry.InstanceRunning {
		t.Fatalf("Status = %s, want running", started.instance.Status)
	}
	if started.instance.PID == nil {
		t.Fatal("expected non-nil PID after Start")
	}
	defer func() {
		process, _ := os.FindProcess(*started.instance.PID)
		process.Kill()
	}()

	stopped, err := mgr.Stop(ctx, "a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != registry.InstanceStopped {
		t.Fatalf("Status = %s, want stopped", stopped.Status)
	}
	if stopped.PID != nil {
		t.Fatalf("PID = %v, want cleared", stopped.PID)
	}
}

func TestStart_ConflictsWhenAlreadyRunning(t *testing.T) {
	reg, fake := openTestRegistry(t)
	ctx := context.Background()

	instance, err := reg.CreateInstance(ctx, registry.NewInstanceParams{
		UUID: "a-uuid", Name: "a", Port: 19801,
		ConfigPath: "/tmp/a.toml", WorkspaceDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	pid := 1
	if err := reg.SetInstanceStatus(ctx, instance.UUID, registry.InstanceRunning, &pid); err != nil {
		t.Fatalf("SetInstanceStatus: %v", err)
	}

	mgr, _ := newTestManager(t, reg, fake)
	if _, err := mgr.Start(ctx, "a"); err == nil {
		t.Fatal("expected conflict starting an already-running instance")
	}
}

func TestArchiveUnarchiveDelete_RoundTrip(t *testing.T) {
	reg, fake := openTestRegistry(t)
	mgr, _ := newTestManager(t, reg, fake)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, lifecycle.CreateParams{Name: "a", Port: 19801, ConfigPath: "/tmp/a.toml"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Archive(ctx, "a"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := reg.GetInstanceByName(ctx, "a"); err == nil {
		t.Fatal("expected archived instance to be invisible to GetInstanceByName")
	}

	restored, err := mgr.Unarchive(ctx, "a")
	if err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	if restored.ArchivedAt != nil {
		t.Fatal("expected ArchivedAt cleared after Unarchive")
	}

	if err := mgr.Archive(ctx, "a"); err != nil {
		t.Fatalf("Archive (second): %v", err)
	}
	if err := mgr.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.GetInstance(ctx, restored.UUID); err == nil {
		t.Fatal("expected instance to be hard-deleted")
	}
}

func TestClone_CopiesConfigIntoNewWorkspace(t *testing.T) {
	reg, fake := openTestRegistry(t)
	mgr, _ := newTestManager(t, reg, fake)
	ctx := context.Background()

	original, err := mgr.Create(ctx, lifecycle.CreateParams{Name: "a", Port: 19801, ConfigPath: "/tmp/a.toml"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clone, err := mgr.Clone(ctx, "a", "a-clone", 19802)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.ConfigPath != original.ConfigPath {
		t.Fatalf("ConfigPath = %q, want %q", clone.ConfigPath, original.ConfigPath)
	}
	if clone.WorkspaceDir == original.WorkspaceDir {
		t.Fatal("expected clone to get its own workspace directory")
	}
	if clone.Port != 19802 {
		t.Fatalf("Port = %d, want 19802", clone.Port)
	}
}
