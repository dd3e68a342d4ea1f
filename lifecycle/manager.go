// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/procctl"
	"github.com/zeroclaw/cp/registry"
)

const pidFileName = "daemon.pid"
const lockFileName = "daemon.lock"

// minPort and maxPort bound the range Create and Clone scan when no
// explicit port is requested.
const (
	minPort = 20000
	maxPort = 40000
)

// Manager implements the instance-facing half of Process Control: the
// CRUD-plus-lifecycle operations the HTTP surface drives, each one
// serialized per-instance by procctl's advisory lock.
type Manager struct {
	registry    *registry.Registry
	bus         *eventbus.Bus
	clock       clock.Clock
	logger      *slog.Logger
	instanceDir string // root directory under which each instance gets <uuid>/
	agentBinary string
	lockTimeout time.Duration
	stopTimeout time.Duration
}

// New constructs a Manager. instanceDir is the directory under which
// each instance's workspace (named by UUID) is created.
func New(reg *registry.Registry, bus *eventbus.Bus, cl clock.Clock, logger *slog.Logger, instanceDir, agentBinary string, lockTimeout, stopTimeout time.Duration) *Manager {
	if cl == nil {
		cl = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		registry:    reg,
		bus:         bus,
		clock:       cl,
		logger:      logger,
		instanceDir: instanceDir,
		agentBinary: agentBinary,
		lockTimeout: lockTimeout,
		stopTimeout: stopTimeout,
	}
}

func (m *Manager) workspaceFor(instanceUUID string) string {
	return filepath.Join(m.instanceDir, instanceUUID)
}

func (m *Manager) pidFilePath(workspace string) string  { return filepath.Join(workspace, pidFileName) }
func (m *Manager) lockFilePath(workspace string) string { return filepath.Join(workspace, lockFileName) }

// CreateParams holds the fields a caller supplies to create an instance.
// Port is optional; zero means "allocate the next free port".
type CreateParams struct {
	Name       string
	Port       int
	ConfigPath string
}

// Create allocates a workspace and inserts a new, stopped instance row.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*registry.Instance, error) {
	port := params.Port
	if port == 0 {
		allocated, err := m.allocatePort(ctx)
		if err != nil {
			return nil, err
		}
		port = allocated
	}

	instanceUUID := uuid.NewString()
	workspace := m.workspaceFor(instanceUUID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return nil, cperror.Wrap(err, "creating instance workspace")
	}

	instance, err := m.registry.CreateInstance(ctx, registry.NewInstanceParams{
		UUID:         instanceUUID,
		Name:         params.Name,
		Port:         port,
		ConfigPath:   params.ConfigPath,
		WorkspaceDir: workspace,
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// allocatePort scans in-use ports among non-archived instances and
// returns the lowest free port in [minPort, maxPort).
func (m *Manager) allocatePort(ctx context.Context) (int, error) {
	instances, err := m.registry.ListInstances(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(instances))
	for _, instance := range instances {
		used[instance.Port] = true
	}
	for port := minPort; port < maxPort; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, cperror.New(cperror.Internal, "no free port available in allocation range")
}

// Clone copies an existing instance's config into a freshly allocated
// workspace under a new name, leaving the original untouched and the
// clone stopped.
func (m *Manager) Clone(ctx context.Context, name, newName string, port int) (*registry.Instance, error) {
	source, err := m.registry.GetInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Create(ctx, CreateParams{Name: newName, Port: port, ConfigPath: source.ConfigPath})
}

// Start acquires the instance's lock, spawns its agent process, and
// records the resulting PID. Returns cperror.Conflict if the instance
// is already starting or running.
func (m *Manager) Start(ctx context.Context, name string) (*registry.Instance, error) {
	instance, err := m.registry.GetInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if instance.Status == registry.InstanceRunning || instance.Status == registry.InstanceStarting {
		return nil, cperror.Newf(cperror.Conflict, "instance %q is already %s", name, instance.Status)
	}

	lock, err := procctl.AcquireLock(m.lockFilePath(instance.WorkspaceDir), m.clock)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceStarting, nil); err != nil {
		return nil, err
	}
	m.publish(instance, registry.InstanceStarting, nil)

	result, spawnErr := procctl.Spawn(procctl.SpawnParams{
		Binary:       m.agentBinary,
		Args:         []string{"-config", instance.ConfigPath},
		WorkspaceDir: instance.WorkspaceDir,
		LogDir:       filepath.Join(instance.WorkspaceDir, "logs"),
		PIDFilePath:  m.pidFilePath(instance.WorkspaceDir),
	}, m.clock)
	if spawnErr != nil {
		if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceError, nil); err != nil {
			m.logger.Error("recording failed spawn", "instance", name, "error", err)
		}
		m.publish(instance, registry.InstanceError, nil)
		return nil, cperror.Wrap(spawnErr, "spawning instance process")
	}

	if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceRunning, &result.PID); err != nil {
		return nil, err
	}
	m.publish(instance, registry.InstanceRunning, &result.PID)
	return m.registry.GetInstance(ctx, instance.UUID)
}

// Stop acquires the instance's lock and runs the graceful-then-kill
// stop protocol. If no PID file is found (the process is already
// gone), the instance is simply marked stopped.
func (m *Manager) Stop(ctx context.Context, name string) (*registry.Instance, error) {
	instance, err := m.registry.GetInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if instance.Status == registry.InstanceStopped {
		return instance, nil
	}
	if instance.PID == nil {
		return nil, cperror.Newf(cperror.Conflict, "instance %q has no recorded process to stop", name)
	}

	lock, err := procctl.AcquireLock(m.lockFilePath(instance.WorkspaceDir), m.clock)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	pidPath := m.pidFilePath(instance.WorkspaceDir)
	fp, err := procctl.ReadPIDFile(pidPath)
	if err != nil {
		return nil, cperror.Wrap(err, "reading pid file")
	}
	if fp == nil {
		if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceStopped, nil); err != nil {
			return nil, err
		}
		m.publish(instance, registry.InstanceStopped, nil)
		return m.registry.GetInstance(ctx, instance.UUID)
	}

	if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceStopping, instance.PID); err != nil {
		return nil, err
	}
	m.publish(instance, registry.InstanceStopping, instance.PID)

	if err := procctl.Stop(procctl.StopParams{
		Fingerprint:     *fp,
		PIDFilePath:     pidPath,
		GracefulTimeout: m.stopTimeout,
	}, m.clock); err != nil {
		// Per procctl's contract, state is left untouched on an
		// unconfirmed stop — the supervisor's next liveness check
		// will resolve it.
		return nil, err
	}

	if err := m.registry.SetInstanceStatus(ctx, instance.UUID, registry.InstanceStopped, nil); err != nil {
		return nil, err
	}
	m.publish(instance, registry.InstanceStopped, nil)
	return m.registry.GetInstance(ctx, instance.UUID)
}

// Restart stops then starts the instance. If the instance is already
// stopped, Stop is a no-op and only Start runs.
func (m *Manager) Restart(ctx context.Context, name string) (*registry.Instance, error) {
	if _, err := m.Stop(ctx, name); err != nil {
		return nil, err
	}
	return m.Start(ctx, name)
}

// Archive stops a running instance (if any) and soft-deletes it.
func (m *Manager) Archive(ctx context.Context, name string) error {
	instance, err := m.registry.GetInstanceByName(ctx, name)
	if err != nil {
		return err
	}
	if instance.Status != registry.InstanceStopped {
		if _, err := m.Stop(ctx, name); err != nil {
			return err
		}
	}
	return m.registry.ArchiveInstance(ctx, instance.UUID)
}

// Unarchive restores the most recently archived instance with the
// given name to the active, stopped state.
func (m *Manager) Unarchive(ctx context.Context, name string) (*registry.Instance, error) {
	instance, err := m.registry.GetArchivedInstanceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := m.registry.UnarchiveInstance(ctx, instance.UUID); err != nil {
		return nil, err
	}
	return m.registry.GetInstance(ctx, instance.UUID)
}

// Delete hard-deletes the most recently archived instance with the
// given name. Messages and events referencing it are preserved.
func (m *Manager) Delete(ctx context.Context, name string) error {
	instance, err := m.registry.GetArchivedInstanceByName(ctx, name)
	if err != nil {
		return err
	}
	return m.registry.DeleteInstance(ctx, instance.UUID)
}

func (m *Manager) publish(instance *registry.Instance, status registry.InstanceStatus, pid *int) {
	if m.bus == nil {
		return
	}
	m.bus.Instances.Publish(eventbus.InstanceEvent{
		InstanceUUID: instance.UUID,
		Name:         instance.Name,
		Status:       status,
		PID:          pid,
		At:           m.clock.Now(),
	})
}
