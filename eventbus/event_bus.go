// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import "github.com/zeroclaw/cp/registry"

// Bus is the control plane's single in-process event bus: one topic for
// instance lifecycle transitions, one for message lifecycle events.
// Components obtain it from the process entrypoint's wiring and publish
// or subscribe as needed; the Registry remains the source of truth, the
// bus only owns the in-memory subscriber set.
type Bus struct {
	Instances *Topic[InstanceEvent]
	Messages  *Topic[registry.MessageEvent]
}

// New constructs a Bus with both topics at DefaultCapacity.
func New() *Bus {
	return &Bus{
		Instances: NewTopic[InstanceEvent](DefaultCapacity),
		Messages:  NewTopic[registry.MessageEvent](DefaultCapacity),
	}
}
