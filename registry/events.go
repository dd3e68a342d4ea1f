// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeroclaw/cp/cperror"
)

// appendEvent inserts one message_events row on an already-open
// connection, inside the caller's transaction. message_events has no
// UPDATE/DELETE triggers — it is append-only at the database level, so
// this is the only write path this package ever needs for that table.
func appendEvent(conn *sqlite.Conn, messageID string, kind MessageEventKind, detail *string, createdAt string) error {
	return sqlitex.Execute(conn, `INSERT INTO message_events (message_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{messageID, string(kind), nullableString(detail), createdAt}})
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ListMessageEvents returns every event for messageID in
// (created_at ASC, id ASC) order — the ordering guarantee in §5.
func (r *Registry) ListMessageEvents(ctx context.Context, messageID string) ([]*MessageEvent, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	var events []*MessageEvent
	err = sqlitex.Execute(conn, `
		SELECT id, message_id, kind, detail, created_at FROM message_events
		WHERE message_id = ? ORDER BY created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEvent(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: listing message events")
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) *MessageEvent {
	event := &MessageEvent{
		ID:        stmt.ColumnInt64(0),
		MessageID: stmt.ColumnText(1),
		Kind:      MessageEventKind(stmt.ColumnText(2)),
	}
	if stmt.ColumnType(3) != sqlite.TypeNull {
		detail := stmt.ColumnText(3)
		event.Detail = &detail
	}
	event.CreatedAt, _ = ParseTime(stmt.ColumnText(4))
	return event
}
