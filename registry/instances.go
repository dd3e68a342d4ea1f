// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"regexp"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeroclaw/cp/cperror"
)

// instanceNamePattern is the invariant from the data model: names start
// with an alphanumeric and may contain hyphens, up to 64 characters.
var instanceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// ValidateInstanceName reports a validation error if name does not
// match the required pattern.
func ValidateInstanceName(name string) error {
	if !instanceNamePattern.MatchString(name) {
		return cperror.Newf(cperror.Validation, "instance name %q does not match ^[A-Za-z0-9][A-Za-z0-9-]{0,63}$", name)
	}
	return nil
}

// NewInstanceParams holds the fields required to create an Instance.
type NewInstanceParams struct {
	UUID         string
	Name         string
	Port         int
	ConfigPath   string
	WorkspaceDir string
}

// CreateInstance inserts a new instance row in the stopped state. The
// partial unique indexes on (name) and (port) among non-archived rows
// surface a conflict, which this method maps to cperror.Conflict.
func (r *Registry) CreateInstance(ctx context.Context, params NewInstanceParams) (*Instance, error) {
	if err := ValidateInstanceName(params.Name); err != nil {
		return nil, err
	}
	if params.Port < 1024 || params.Port > 65535 {
		return nil, cperror.Newf(cperror.Validation, "port %d out of range [1024, 65535]", params.Port)
	}

	conn, err := r.takeWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putWriter(conn)

	now := r.nowString()
	err = sqlitex.Execute(conn, `
		INSERT INTO instances (uuid, name, port, config_path, workspace_dir, status, pid, archived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{params.UUID, params.Name, params.Port, params.ConfigPath, params.WorkspaceDir, string(InstanceStopped), now, now},
		})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, cperror.Newf(cperror.Conflict, "instance name %q or port %d already in use", params.Name, params.Port)
		}
		return nil, cperror.Wrap(err, "registry: creating instance")
	}

	return r.getInstanceOn(conn, params.UUID)
}

// GetInstance returns the instance with the given UUID via a reader
// connection. Returns cperror.NotFound if absent.
func (r *Registry) GetInstance(ctx context.Context, uuid string) (*Instance, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)
	return r.getInstanceOn(conn, uuid)
}

// GetInstanceByName looks up a non-archived instance by name.
func (r *Registry) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	var instance *Instance
	err = sqlitex.Execute(conn, `SELECT `+instanceColumns+` FROM instances WHERE name = ? AND archived_at IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instance = scanInstance(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: looking up instance by name")
	}
	if instance == nil {
		return nil, cperror.Newf(cperror.NotFound, "instance %q not found", name)
	}
	return instance, nil
}

// GetArchivedInstanceByName looks up the most recently archived
// instance with the given name. Unlike GetInstanceByName, archived
// rows are not subject to the uniqueness constraint, so more than one
// may share a name; the most recently archived wins.
func (r *Registry) GetArchivedInstanceByName(ctx context.Context, name string) (*Instance, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	var instance *Instance
	err = sqlitex.Execute(conn, `SELECT `+instanceColumns+` FROM instances
		WHERE name = ? AND archived_at IS NOT NULL ORDER BY archived_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instance = scanInstance(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: looking up archived instance by name")
	}
	if instance == nil {
		return nil, cperror.Newf(cperror.NotFound, "archived instance %q not found", name)
	}
	return instance, nil
}

func (r *Registry) getInstanceOn(conn *sqlite.Conn, uuid string) (*Instance, error) {
	var instance *Instance
	err := sqlitex.Execute(conn, `SELECT `+instanceColumns+` FROM instances WHERE uuid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{uuid},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instance = scanInstance(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: fetching instance")
	}
	if instance == nil {
		return nil, cperror.Newf(cperror.NotFound, "instance %q not found", uuid)
	}
	return instance, nil
}

// ListInstances returns all non-archived instances ordered by name.
func (r *Registry) ListInstances(ctx context.Context) ([]*Instance, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	var instances []*Instance
	err = sqlitex.Execute(conn, `SELECT `+instanceColumns+` FROM instances WHERE archived_at IS NULL ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instances = append(instances, scanInstance(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: listing instances")
	}
	return instances, nil
}

// SetInstanceStatus updates status and, if pid is non-nil, the PID
// column. Used by Process Control and the Supervisor Loop.
func (r *Registry) SetInstanceStatus(ctx context.Context, uuid string, status InstanceStatus, pid *int) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	err = sqlitex.Execute(conn, `UPDATE instances SET status = ?, pid = ?, updated_at = ? WHERE uuid = ?`,
		&sqlitex.ExecOptions{Args: []any{string(status), nullableInt(pid), r.nowString(), uuid}})
	if err != nil {
		return cperror.Wrap(err, "registry: updating instance status")
	}
	return nil
}

// ArchiveInstance soft-deletes a non-archived, stopped instance. It does
// not stop the process itself (the caller must have already issued
// Process Control's stop) — this method refuses if status is not stopped.
func (r *Registry) ArchiveInstance(ctx context.Context, uuid string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	instance, err := r.getInstanceOn(conn, uuid)
	if err != nil {
		return err
	}
	if instance.ArchivedAt != nil {
		return cperror.Newf(cperror.Gone, "instance %q already archived", uuid)
	}
	if instance.Status != InstanceStopped {
		return cperror.Newf(cperror.Conflict, "instance %q must be stopped before archiving (status=%s)", uuid, instance.Status)
	}

	now := r.nowString()
	err = sqlitex.Execute(conn, `UPDATE instances SET archived_at = ?, updated_at = ? WHERE uuid = ?`,
		&sqlitex.ExecOptions{Args: []any{now, now, uuid}})
	if err != nil {
		return cperror.Wrap(err, "registry: archiving instance")
	}
	return nil
}

// UnarchiveInstance clears archived_at, returning the instance to the
// stopped state it was archived from.
func (r *Registry) UnarchiveInstance(ctx context.Context, uuid string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	instance, err := r.getInstanceOn(conn, uuid)
	if err != nil {
		return err
	}
	if instance.ArchivedAt == nil {
		return cperror.Newf(cperror.Conflict, "instance %q is not archived", uuid)
	}

	err = sqlitex.Execute(conn, `UPDATE instances SET archived_at = NULL, updated_at = ? WHERE uuid = ?`,
		&sqlitex.ExecOptions{Args: []any{r.nowString(), uuid}})
	if err != nil {
		if isUniqueConstraintError(err) {
			return cperror.Newf(cperror.Conflict, "another active instance already uses this name or port")
		}
		return cperror.Wrap(err, "registry: unarchiving instance")
	}
	return nil
}

// DeleteInstance hard-deletes an archived instance. Messages and
// events referencing it are preserved (no foreign key cascade).
func (r *Registry) DeleteInstance(ctx context.Context, uuid string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	instance, err := r.getInstanceOn(conn, uuid)
	if err != nil {
		return err
	}
	if instance.ArchivedAt == nil {
		return cperror.Newf(cperror.Conflict, "instance %q must be archived before deletion", uuid)
	}

	err = sqlitex.Execute(conn, `DELETE FROM instances WHERE uuid = ?`, &sqlitex.ExecOptions{Args: []any{uuid}})
	if err != nil {
		return cperror.Wrap(err, "registry: deleting instance")
	}
	return nil
}

const instanceColumns = "uuid, name, port, config_path, workspace_dir, status, pid, archived_at, created_at, updated_at"

func scanInstance(stmt *sqlite.Stmt) *Instance {
	instance := &Instance{
		UUID:         stmt.ColumnText(0),
		Name:         stmt.ColumnText(1),
		Port:         stmt.ColumnInt(2),
		ConfigPath:   stmt.ColumnText(3),
		WorkspaceDir: stmt.ColumnText(4),
		Status:       InstanceStatus(stmt.ColumnText(5)),
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		pid := stmt.ColumnInt(6)
		instance.PID = &pid
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		if t, err := ParseTime(stmt.ColumnText(7)); err == nil {
			instance.ArchivedAt = &t
		}
	}
	instance.CreatedAt, _ = ParseTime(stmt.ColumnText(8))
	instance.UpdatedAt, _ = ParseTime(stmt.ColumnText(9))
	return instance
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// isUniqueConstraintError detects a SQLite UNIQUE constraint violation
// by message substring. The zombiezen driver surfaces SQLite's result
// code in the error text rather than a typed field convenient to
// switch on here, so substring matching is the portable check.
func isUniqueConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

