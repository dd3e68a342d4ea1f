// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs the control plane's lifecycle reconciliation
// loop: on a fixed interval, it checks every instance believed to be
// running against its recorded process fingerprint, clears state for
// instances that have died, and adopts orphaned processes whose PID
// file still matches a live, fingerprint-verified process.
package supervisor
