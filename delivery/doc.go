// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery runs the control plane's fixed-size worker pool:
// leasing queued messages, attempting delivery to the target instance's
// local HTTP port, recording success or failure with exponential
// backoff and jitter, and sweeping expired messages to dead_letter.
package delivery
