// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// migrations are numbered, idempotent SQL scripts applied in order
// under PRAGMA user_version. Each entry's index+1 is its target
// user_version; a fresh database starts at user_version 0 and walks
// every migration in order.
var migrations = []string{
	migration001CreateTables,
	migration002AppendOnlyTrigger,
}

const migration001CreateTables = `
CREATE TABLE instances (
	uuid          TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	port          INTEGER NOT NULL,
	config_path   TEXT NOT NULL,
	workspace_dir TEXT NOT NULL,
	status        TEXT NOT NULL,
	pid           INTEGER,
	archived_at   TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX instances_name_active
	ON instances(name) WHERE archived_at IS NULL;
CREATE UNIQUE INDEX instances_port_active
	ON instances(port) WHERE archived_at IS NULL;

CREATE TABLE messages (
	id               TEXT PRIMARY KEY,
	from_instance    TEXT NOT NULL,
	to_instance      TEXT NOT NULL,
	type             TEXT NOT NULL,
	payload          TEXT NOT NULL,
	correlation_id   TEXT,
	idempotency_key  TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	hop_count        INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL,
	next_attempt_at  TEXT,
	lease_owner      TEXT,
	lease_expires_at TEXT,
	updated_at       TEXT NOT NULL
);

CREATE INDEX messages_from_status ON messages(from_instance, status);
CREATE INDEX messages_created_at ON messages(created_at);
CREATE INDEX messages_status ON messages(status);
CREATE INDEX messages_idempotency ON messages(idempotency_key, from_instance, created_at);

CREATE TABLE message_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX message_events_message_created ON message_events(message_id, created_at);

CREATE TABLE routing_rules (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	from_pattern TEXT NOT NULL,
	to_pattern   TEXT NOT NULL,
	type_pattern TEXT NOT NULL,
	max_retries  INTEGER,
	ttl_seconds  INTEGER,
	created_at   TEXT NOT NULL
);
`

const migration002AppendOnlyTrigger = `
CREATE TRIGGER message_events_no_update
BEFORE UPDATE ON message_events
BEGIN
	SELECT RAISE(ABORT, 'message_events is append-only');
END;

CREATE TRIGGER message_events_no_delete
BEFORE DELETE ON message_events
BEGIN
	SELECT RAISE(ABORT, 'message_events is append-only');
END;
`

// migrate applies every migration with index >= the connection's
// current user_version, inside a single write transaction. Failure
// aborts the transaction and is returned to the caller, who should
// exit the process with the migration-failure exit code.
func migrate(conn *sqlite.Conn) error {
	var currentVersion int64
	err := sqlitex.Execute(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			currentVersion = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("registry: reading user_version: %w", err)
	}

	if int(currentVersion) >= len(migrations) {
		return nil
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("registry: begin migration transaction: %w", err)
	}
	defer endTransaction(&err)

	for index := int(currentVersion); index < len(migrations); index++ {
		if err = sqlitex.ExecuteScript(conn, migrations[index], nil); err != nil {
			return fmt.Errorf("registry: applying migration %d: %w", index+1, err)
		}
	}

	if err = sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", len(migrations)), nil); err != nil {
		return fmt.Errorf("registry: setting user_version: %w", err)
	}

	return nil
}
