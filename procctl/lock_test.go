// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/lib/clock"
)

func TestAcquireLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")
	cl := clock.Fake(time.Now())

	lock, err := AcquireLock(lockPath, cl)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
}

func TestAcquireLock_Contention(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")
	cl := clock.Fake(time.Now())

	first, err := AcquireLock(lockPath, cl)
	if err != nil {
		t.Fatalf("AcquireLock (first): %v", err)
	}
	defer first.Release()

	go func() {
		// Drive the fake clock so the second AcquireLock's Sleep calls
		// inside its retry loop return promptly. Sleep is called once
		// per attempt after the first, so lockRetryAttempts-1 times.
		for i := 0; i < lockRetryAttempts-1; i++ {
			cl.WaitForTimers(1)
			cl.Advance(lockRetryInterval)
		}
	}()

	_, err = AcquireLock(lockPath, cl)
	if cperror.KindOf(err) != cperror.Busy {
		t.Fatalf("expected Busy error, got %v", err)
	}
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")
	lock, err := AcquireLock(lockPath, nil)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got %v", err)
	}
}

func TestAcquireLock_ReacquireAfterRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	first, err := AcquireLock(lockPath, nil)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := AcquireLock(lockPath, nil)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	defer second.Release()
}
