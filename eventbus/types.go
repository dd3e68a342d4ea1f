// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"time"

	"github.com/zeroclaw/cp/registry"
)

// InstanceEvent describes a single lifecycle transition of an instance,
// published by Process Control and the Supervisor Loop whenever an
// instance's status or PID changes.
type InstanceEvent struct {
	InstanceUUID string
	Name         string
	Status       registry.InstanceStatus
	PID          *int
	At           time.Time
}

// Envelope wraps a published value with the bus's lag-tolerant delivery
// metadata. A subscriber must check Lagged before trusting Value: when
// Lagged is true, Value is the zero value and LostCount events were
// dropped before this envelope since the subscriber's last successful
// receive. The subscriber's contract is to re-snapshot rather than
// attempt to reconstruct the missed events.
type Envelope[T any] struct {
	Value     T
	Lagged    bool
	LostCount int
}
