// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/procctl"
	"github.com/zeroclaw/cp/registry"
)

// pidFileName is the filename procctl writes PID fingerprints to,
// inside each instance's workspace directory.
const pidFileName = "daemon.pid"

// Supervisor periodically reconciles recorded instance state against
// actual running processes.
type Supervisor struct {
	registry      *registry.Registry
	bus           *eventbus.Bus
	clock         clock.Clock
	logger        *slog.Logger
	sweepInterval time.Duration
}

// New constructs a Supervisor. sweepInterval should already be clamped
// to [1s, 30s] by the caller (config.clampBounds does this).
func New(reg *registry.Registry, bus *eventbus.Bus, cl clock.Clock, logger *slog.Logger, sweepInterval time.Duration) *Supervisor {
	if cl == nil {
		cl = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{registry: reg, bus: bus, clock: cl, logger: logger, sweepInterval: sweepInterval}
}

// Run performs one initial reconciliation pass, then ticks at
// sweepInterval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}

	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconciliation tick failed", "error", err)
			}
		}
	}
}

// Reconcile performs a single reconciliation pass: liveness-check every
// instance recorded as having a PID, and attempt adoption for every
// instance that has none but may have an orphaned, fingerprint-matching
// process on disk.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	instances, err := s.registry.ListInstances(ctx)
	if err != nil {
		return err
	}

	for _, instance := range instances {
		if instance.ArchivedAt != nil {
			continue
		}
		if instance.PID != nil {
			s.checkLiveness(ctx, instance)
		} else {
			s.checkAdoption(ctx, instance)
		}
	}
	return nil
}

func (s *Supervisor) pidFilePath(instance *registry.Instance) string {
	return filepath.Join(instance.WorkspaceDir, pidFileName)
}

// checkLiveness verifies the recorded PID is still the process that
// was spawned. A mismatch or a dead process demotes the instance per
// its prior status: running -> error, stopping -> stopped.
func (s *Supervisor) checkLiveness(ctx context.Context, instance *registry.Instance) {
	fp, err := procctl.ReadPIDFile(s.pidFilePath(instance))
	if err != nil {
		s.logger.Error("reading pid file", "instance", instance.Name, "error", err)
		return
	}

	alive := false
	if fp != nil && fp.PID == *instance.PID {
		owned, err := procctl.VerifyOwnership(*fp)
		if err != nil {
			s.logger.Error("verifying ownership", "instance", instance.Name, "error", err)
			return
		}
		alive = owned
	}
	if alive {
		return
	}

	var newStatus registry.InstanceStatus
	switch instance.Status {
	case registry.InstanceRunning:
		newStatus = registry.InstanceError
	case registry.InstanceStopping:
		newStatus = registry.InstanceStopped
	default:
		// starting/stopped/error with a stale PID: clear it without
		// reinterpreting intent the supervisor didn't observe.
		newStatus = instance.Status
	}

	if err := s.registry.SetInstanceStatus(ctx, instance.UUID, newStatus, nil); err != nil {
		s.logger.Error("clearing dead instance pid", "instance", instance.Name, "error", err)
		return
	}
	s.publish(instance, newStatus, nil)
}

// checkAdoption looks for an orphaned, fingerprint-verified process
// whose PID file exists but whose PID was never recorded (e.g. the
// control plane restarted between spawn and the status update that
// would have recorded it).
func (s *Supervisor) checkAdoption(ctx context.Context, instance *registry.Instance) {
	fp, err := procctl.ReadPIDFile(s.pidFilePath(instance))
	if err != nil || fp == nil {
		return
	}

	owned, err := procctl.VerifyOwnership(*fp)
	if err != nil || !owned {
		return
	}

	pid := fp.PID
	if err := s.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceRunning, &pid); err != nil {
		s.logger.Error("adopting orphaned process", "instance", instance.Name, "error", err)
		return
	}
	s.publish(instance, registry.InstanceRunning, &pid)
}

func (s *Supervisor) publish(instance *registry.Instance, status registry.InstanceStatus, pid *int) {
	if s.bus == nil {
		return
	}
	s.bus.Instances.Publish(eventbus.InstanceEvent{
		InstanceUUID: instance.UUID,
		Name:         instance.Name,
		Status:       status,
		PID:          pid,
		At:           s.clock.Now(),
	})
}
