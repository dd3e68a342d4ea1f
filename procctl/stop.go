// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"syscall"
	"time"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/lib/clock"
)

// pollInterval is how often Stop checks liveness while waiting for a
// signaled process to exit, in both the graceful and kill phases.
const pollInterval = 100 * time.Millisecond

// StopParams configures Stop's graceful-then-kill protocol.
type StopParams struct {
	Fingerprint     Fingerprint
	PIDFilePath     string
	GracefulTimeout time.Duration // default 10s, bounded [1s, 30s] by caller
	KillConfirmWait time.Duration // default 1s
}

// Stop implements the stop protocol in spec.md §4.3: send SIGTERM, poll
// liveness every 100ms up to GracefulTimeout; if still alive, send
// SIGKILL and poll for up to KillConfirmWait. Only after confirmed exit
// does Stop remove the PID file — on any failure path (ownership
// verification failure, or the process surviving the kill phase) the
// PID file and caller's recorded state are left untouched, per the
// "never clears state on an error it can't confirm" rule.
func Stop(params StopParams, cl clock.Clock) error {
	if cl == nil {
		cl = clock.Real()
	}
	if params.GracefulTimeout <= 0 {
		params.GracefulTimeout = 10 * time.Second
	}
	if params.KillConfirmWait <= 0 {
		params.KillConfirmWait = time.Second
	}

	if err := SignalOwned(params.Fingerprint, syscall.SIGTERM); err != nil {
		return err
	}

	if waitForExit(params.Fingerprint.PID, params.GracefulTimeout, cl) {
		return ClearPIDFile(params.PIDFilePath)
	}

	if err := SignalOwned(params.Fingerprint, syscall.SIGKILL); err != nil {
		return err
	}

	if waitForExit(params.Fingerprint.PID, params.KillConfirmWait, cl) {
		return ClearPIDFile(params.PIDFilePath)
	}

	return cperror.Newf(cperror.Internal, "pid %d still alive %s after SIGKILL", params.Fingerprint.PID, params.KillConfirmWait)
}

// waitForExit polls IsAlive every pollInterval until pid exits or
// deadline elapses, returning true if it exited within the deadline.
func waitForExit(pid int, deadline time.Duration, cl clock.Clock) bool {
	elapsed := time.Duration(0)
	for {
		if !IsAlive(pid) {
			return true
		}
		if elapsed >= deadline {
			return false
		}
		cl.Sleep(pollInterval)
		elapsed += pollInterval
	}
}
