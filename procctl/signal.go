// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"errors"
	"os"
	"syscall"

	"github.com/zeroclaw/cp/cperror"
)

// IsAlive reports whether pid is a running process, using Signal(0) —
// the same liveness probe cmd/bureau-launcher/exec.go's
// reconnectSandboxes uses. A "permission denied" result means the
// process exists but belongs to another user: spec.md §4.3 treats that
// as "alive but not ours", so IsAlive returns true rather than false.
func IsAlive(pid int) bool {
	process, err := os.FindProcess(pid) // always succeeds on Unix
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return false
}

// VerifyOwnership reports whether the live process at fp.PID is the
// same process that was recorded in fp — the ownership verification
// spec.md §4.3 requires before any signal is sent to a PID read from a
// PID file. On platforms where /proc is unavailable, fp.StartTime is
// empty and verification falls back to a liveness check alone
// (documented Open Question (c) resolution in SPEC_FULL.md §9).
func VerifyOwnership(fp Fingerprint) (bool, error) {
	if !IsAlive(fp.PID) {
		return false, nil
	}
	if fp.StartTime == "" {
		return true, nil
	}

	currentStartTime, err := readProcStartTime(fp.PID)
	if err != nil {
		// /proc vanished between the liveness check and this read —
		// the process just exited. Not alive, not an error.
		return false, nil
	}
	return currentStartTime == fp.StartTime, nil
}

// SignalOwned sends sig to the process described by fp, but only after
// VerifyOwnership succeeds. This is the sole path through which this
// package ever signals a PID read from disk — the ownership law in
// spec.md §8 ("the Process Control layer never issues a signal to a
// PID whose fingerprint fails verification") is enforced here, not left
// to callers to remember.
func SignalOwned(fp Fingerprint, sig syscall.Signal) error {
	owned, err := VerifyOwnership(fp)
	if err != nil {
		return cperror.Wrap(err, "procctl: verifying ownership")
	}
	if !owned {
		return cperror.Newf(cperror.Conflict, "pid %d fingerprint mismatch, refusing to signal", fp.PID).WithDetail("stale pid, likely reused")
	}

	process, err := os.FindProcess(fp.PID)
	if err != nil {
		return cperror.Wrap(err, "procctl: finding process")
	}
	if err := process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return cperror.Newf(cperror.Internal, "pid %d alive but not owned by this process (permission denied)", fp.PID)
		}
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return cperror.Wrap(err, "procctl: sending signal")
	}
	return nil
}
