// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements Process Control's instance-facing
// operations — create, start, stop, restart, clone, archive, unarchive,
// delete — by composing the Registry with procctl's spawn, stop, and
// per-instance locking primitives, and publishing the resulting state
// transitions on the event bus.
package lifecycle
