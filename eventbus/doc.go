// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus provides in-process broadcast of InstanceEvent and
// MessageEvent values to subscribers inside a single control-plane
// process. Delivery is best-effort and lag-tolerant: a subscriber that
// falls behind has its backlog collapsed into a single "lagged" signal
// carrying the number of events it missed, rather than blocking the
// publisher or silently dropping events with no trace.
//
// Subscribers are expected to respond to a lag signal by re-snapshotting
// current state from the Registry rather than trying to reconstruct the
// events they missed.
package eventbus
