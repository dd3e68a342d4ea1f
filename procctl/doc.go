// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package procctl spawns and supervises per-instance agent processes:
// detached spawn with a post-spawn survival check, an ownership-verified
// PID file so a reused PID is never signaled by mistake, a per-instance
// advisory file lock serializing start/stop/restart, and the graceful-
// then-kill stop protocol.
//
// Grounded on cmd/bureau-launcher/exec.go's atomic state-file writes and
// os.FindProcess/Signal(0) liveness checks, and the syscall.Flock
// pattern from other_examples/g960059-agtmux__server.go's daemon lock.
package procctl
