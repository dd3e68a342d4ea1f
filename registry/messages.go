// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeroclaw/cp/cperror"
)

// idempotencyWindow is the lookback used to detect duplicate sends, per
// the Message invariant "(idempotency_key, from_instance) unique within
// the 24-hour window".
const idempotencyWindow = 24 * time.Hour

// NewMessageParams holds the fields required to enqueue a Message. ID,
// Payload (already redacted), ExpiresAt, and MaxRetries are resolved by
// the caller (the router's Ingest path) before calling EnqueueMessage —
// this method performs only the atomic persist-and-audit step.
type NewMessageParams struct {
	ID             string
	FromInstance   string
	ToInstance     string
	Type           string
	Payload        []byte
	CorrelationID  *string
	IdempotencyKey string
	ExpiresAt      time.Time
	HopCount       int
	MaxRetries     int
}

// FindDuplicate returns the existing message with the same
// (idempotencyKey, from) inside the idempotency window, or nil if none
// exists. The caller (router.Ingest) uses this to implement the
// idempotency law: a repeat send returns the original id and state
// without inserting a new row or event.
func (r *Registry) FindDuplicate(ctx context.Context, idempotencyKey, from string) (*Message, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	cutoff := FormatTime(r.clock.Now().Add(-idempotencyWindow))

	var message *Message
	err = sqlitex.Execute(conn, `SELECT `+messageColumns+` FROM messages
		WHERE idempotency_key = ? AND from_instance = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{idempotencyKey, from, cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message = scanMessage(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: checking idempotency")
	}
	return message, nil
}

// EnqueueMessage inserts the messages row (status=queued) and appends
// "created" then "queued" events, all inside one write transaction —
// the atomic multi-row mutation the data model requires.
func (r *Registry) EnqueueMessage(ctx context.Context, params NewMessageParams) (*Message, error) {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, cperror.Wrap(err, "registry: begin enqueue transaction")
	}
	defer endTransaction(&err)

	now := r.nowString()
	err = sqlitex.Execute(conn, `
		INSERT INTO messages (
			id, from_instance, to_instance, type, payload, correlation_id, idempotency_key,
			created_at, expires_at, hop_count, status, retry_count, max_retries,
			next_attempt_at, lease_owner, lease_expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, NULL, NULL, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				params.ID, params.FromInstance, params.ToInstance, params.Type, string(params.Payload),
				nullableString(params.CorrelationID), params.IdempotencyKey,
				now, FormatTime(params.ExpiresAt), params.HopCount, params.MaxRetries, now, now,
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: inserting message")
	}

	if err = appendEvent(conn, params.ID, EventCreated, nil, now); err != nil {
		return nil, cperror.Wrap(err, "registry: appending created event")
	}
	if err = appendEvent(conn, params.ID, EventQueued, nil, now); err != nil {
		return nil, cperror.Wrap(err, "registry: appending queued event")
	}

	return r.getMessageOn(conn, params.ID)
}

// GetMessage returns the message with the given ID. Returns
// cperror.NotFound if absent.
func (r *Registry) GetMessage(ctx context.Context, id string) (*Message, error) {
	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)
	return r.getMessageOn(conn, id)
}

func (r *Registry) getMessageOn(conn *sqlite.Conn, id string) (*Message, error) {
	var message *Message
	err := sqlitex.Execute(conn, `SELECT `+messageColumns+` FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message = scanMessage(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: fetching message")
	}
	if message == nil {
		return nil, cperror.Newf(cperror.NotFound, "message %q not found", id)
	}
	return message, nil
}

// ListMessages returns messages ordered by created_at, most recent first.
func (r *Registry) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	return r.listMessagesWhere(ctx, "1=1", nil, limit)
}

// ListDeadLetterMessages returns messages currently in dead_letter status.
func (r *Registry) ListDeadLetterMessages(ctx context.Context, limit int) ([]*Message, error) {
	return r.listMessagesWhere(ctx, "status = 'dead_letter'", nil, limit)
}

// ListInstanceMessages returns messages sent or received by instanceUUID.
func (r *Registry) ListInstanceMessages(ctx context.Context, instanceUUID string, limit int) ([]*Message, error) {
	return r.listMessagesWhere(ctx, "from_instance = ? OR to_instance = ?", []any{instanceUUID, instanceUUID}, limit)
}

func (r *Registry) listMessagesWhere(ctx context.Context, where string, args []any, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	conn, err := r.takeReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putReader(conn)

	queryArgs := append(append([]any{}, args...), limit)
	var messages []*Message
	err = sqlitex.Execute(conn, `SELECT `+messageColumns+` FROM messages WHERE `+where+` ORDER BY created_at DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: queryArgs,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: listing messages")
	}
	return messages, nil
}

// LeaseMessages atomically selects up to count queued, eligible
// messages and marks them leased by leaseOwner, returning the leased
// rows. Eligibility: status='queued', next_attempt_at <= now,
// expires_at > now, and no unexpired existing lease. The selection and
// update run in the same write transaction, so two concurrent workers
// never lease the same message — there is only one writer.
func (r *Registry) LeaseMessages(ctx context.Context, leaseOwner string, count int, leaseDuration time.Duration) ([]*Message, error) {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, cperror.Wrap(err, "registry: begin lease transaction")
	}
	defer endTransaction(&err)

	now := r.clock.Now()
	nowStr := FormatTime(now)

	var ids []string
	err = sqlitex.Execute(conn, `
		SELECT id FROM messages
		WHERE status = 'queued'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		  AND expires_at > ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{nowStr, nowStr, nowStr, count},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, cperror.Wrap(err, "registry: selecting lease candidates")
	}

	leaseExpires := FormatTime(now.Add(leaseDuration))
	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		err = sqlitex.Execute(conn, `UPDATE messages SET lease_owner = ?, lease_expires_at = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{leaseOwner, leaseExpires, nowStr, id}})
		if err != nil {
			return nil, cperror.Wrap(err, "registry: leasing message")
		}
		message, getErr := r.getMessageOn(conn, id)
		if getErr != nil {
			return nil, getErr
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// RecordDeliverySuccess transitions a leased message queued→delivered,
// appends delivery_attempted and delivered events, and releases the
// lease, all in one transaction. Only valid while the lease is held —
// the caller must pass the leaseOwner it leased the message under.
func (r *Registry) RecordDeliverySuccess(ctx context.Context, messageID, leaseOwner string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return cperror.Wrap(err, "registry: begin delivery-success transaction")
	}
	defer endTransaction(&err)

	now := r.nowString()
	err = sqlitex.Execute(conn, `
		UPDATE messages SET status = 'delivered', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		&sqlitex.ExecOptions{Args: []any{now, messageID, leaseOwner}})
	if err != nil {
		return cperror.Wrap(err, "registry: marking delivered")
	}

	if err = appendEvent(conn, messageID, EventDeliveryAttempted, nil, now); err != nil {
		return cperror.Wrap(err, "registry: appending delivery_attempted event")
	}
	if err = appendEvent(conn, messageID, EventDelivered, nil, now); err != nil {
		return cperror.Wrap(err, "registry: appending delivered event")
	}
	return nil
}

// RecordDeliveryFailure appends a delivery_attempted event with the
// given detail, increments retry_count, and either schedules the next
// attempt (nextAttemptAt) or transitions to dead_letter if retries are
// exhausted or the message has expired — matching the Delivery
// Worker's retry/dead-letter contract. All in one transaction.
func (r *Registry) RecordDeliveryFailure(ctx context.Context, messageID, leaseOwner, detail string, nextAttemptAt time.Time) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return cperror.Wrap(err, "registry: begin delivery-failure transaction")
	}
	defer endTransaction(&err)

	now := r.clock.Now()
	nowStr := FormatTime(now)

	message, err := r.getMessageOn(conn, messageID)
	if err != nil {
		return err
	}

	if err = appendEvent(conn, messageID, EventDeliveryAttempted, &detail, nowStr); err != nil {
		return cperror.Wrap(err, "registry: appending delivery_attempted event")
	}

	retryCount := message.RetryCount + 1
	exhausted := retryCount >= message.MaxRetries || !now.Before(message.ExpiresAt)

	if exhausted {
		err = sqlitex.Execute(conn, `
			UPDATE messages SET status = 'dead_letter', retry_count = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND lease_owner = ?`,
			&sqlitex.ExecOptions{Args: []any{retryCount, nowStr, messageID, leaseOwner}})
		if err != nil {
			return cperror.Wrap(err, "registry: dead-lettering message")
		}
		if err = appendEvent(conn, messageID, EventFailed, &detail, nowStr); err != nil {
			return cperror.Wrap(err, "registry: appending failed event")
		}
		if err = appendEvent(conn, messageID, EventDeadLettered, nil, nowStr); err != nil {
			return cperror.Wrap(err, "registry: appending dead_lettered event")
		}
		return nil
	}

	err = sqlitex.Execute(conn, `
		UPDATE messages SET retry_count = ?, next_attempt_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		&sqlitex.ExecOptions{Args: []any{retryCount, FormatTime(nextAttemptAt), nowStr, messageID, leaseOwner}})
	if err != nil {
		return cperror.Wrap(err, "registry: scheduling retry")
	}
	return nil
}

// Acknowledge transitions delivered→acknowledged. Returns
// cperror.Conflict if the message is not currently delivered.
func (r *Registry) Acknowledge(ctx context.Context, messageID string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return cperror.Wrap(err, "registry: begin acknowledge transaction")
	}
	defer endTransaction(&err)

	message, err := r.getMessageOn(conn, messageID)
	if err != nil {
		return err
	}
	if message.Status != MessageDelivered {
		return cperror.Newf(cperror.Conflict, "message %q is %s, not delivered", messageID, message.Status)
	}

	now := r.nowString()
	err = sqlitex.Execute(conn, `UPDATE messages SET status = 'acknowledged', updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now, messageID}})
	if err != nil {
		return cperror.Wrap(err, "registry: acknowledging message")
	}
	if err = appendEvent(conn, messageID, EventAcknowledged, nil, now); err != nil {
		return cperror.Wrap(err, "registry: appending acknowledged event")
	}
	return nil
}

// minReplayTTL and maxReplayTTL bound the TTL recomputed on replay —
// same clamp the ingest path applies to new messages.
const (
	minReplayTTL     = 5 * time.Minute
	maxReplayTTL     = 24 * time.Hour
	defaultReplayTTL = time.Hour
)

// Replay transitions a dead_letter message back to queued: resets
// retry_count to 0, clears lease fields, and recomputes expires_at from
// the original TTL (original expires_at − original created_at),
// clamped to [5m, 24h] with a 1h fallback if the recorded TTL is
// invalid. Returns cperror.Conflict if the message is not dead_letter.
// Open Question (b): the idempotency window is untouched by replay —
// this method never reads or writes idempotency_key.
func (r *Registry) Replay(ctx context.Context, messageID string) error {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return cperror.Wrap(err, "registry: begin replay transaction")
	}
	defer endTransaction(&err)

	message, err := r.getMessageOn(conn, messageID)
	if err != nil {
		return err
	}
	if message.Status != MessageDeadLetter {
		return cperror.Newf(cperror.Conflict, "message %q is %s, not dead_letter", messageID, message.Status)
	}

	originalTTL := message.ExpiresAt.Sub(message.CreatedAt)
	if originalTTL <= 0 {
		originalTTL = defaultReplayTTL
	}
	if originalTTL < minReplayTTL {
		originalTTL = minReplayTTL
	}
	if originalTTL > maxReplayTTL {
		originalTTL = maxReplayTTL
	}

	now := r.clock.Now()
	nowStr := FormatTime(now)
	newExpiresAt := FormatTime(now.Add(originalTTL))

	err = sqlitex.Execute(conn, `
		UPDATE messages SET status = 'queued', retry_count = 0, next_attempt_at = NULL,
			lease_owner = NULL, lease_expires_at = NULL, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{newExpiresAt, nowStr, messageID}})
	if err != nil {
		return cperror.Wrap(err, "registry: replaying message")
	}

	if err = appendEvent(conn, messageID, EventReplayed, nil, nowStr); err != nil {
		return cperror.Wrap(err, "registry: appending replayed event")
	}
	if err = appendEvent(conn, messageID, EventQueued, nil, nowStr); err != nil {
		return cperror.Wrap(err, "registry: appending queued event")
	}
	return nil
}

// SweepExpiredMessages transitions every queued message whose
// expires_at has passed to dead_letter, appending a
// dead_lettered{detail:"ttl_expired"} event for each. Returns the
// number of messages swept. Run periodically by the TTL sweeper.
func (r *Registry) SweepExpiredMessages(ctx context.Context) (int, error) {
	conn, err := r.takeWriter(ctx)
	if err != nil {
		return 0, err
	}
	defer r.putWriter(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, cperror.Wrap(err, "registry: begin sweep transaction")
	}
	defer endTransaction(&err)

	nowStr := r.nowString()

	var ids []string
	err = sqlitex.Execute(conn, `SELECT id FROM messages WHERE status = 'queued' AND expires_at <= ?`,
		&sqlitex.ExecOptions{
			Args: []any{nowStr},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return 0, cperror.Wrap(err, "registry: selecting expired messages")
	}

	detail := "ttl_expired"
	for _, id := range ids {
		err = sqlitex.Execute(conn, `
			UPDATE messages SET status = 'dead_letter', lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{nowStr, id}})
		if err != nil {
			return 0, cperror.Wrap(err, "registry: dead-lettering expired message")
		}
		if err = appendEvent(conn, id, EventDeadLettered, &detail, nowStr); err != nil {
			return 0, cperror.Wrap(err, "registry: appending dead_lettered event")
		}
	}
	return len(ids), nil
}

const messageColumns = `id, from_instance, to_instance, type, payload, correlation_id, idempotency_key,
	created_at, expires_at, hop_count, status, retry_count, max_retries, next_attempt_at,
	lease_owner, lease_expires_at, updated_at`

func scanMessage(stmt *sqlite.Stmt) *Message {
	message := &Message{
		ID:             stmt.ColumnText(0),
		FromInstance:   stmt.ColumnText(1),
		ToInstance:     stmt.ColumnText(2),
		Type:           stmt.ColumnText(3),
		Payload:        []byte(stmt.ColumnText(4)),
		IdempotencyKey: stmt.ColumnText(6),
		HopCount:       stmt.ColumnInt(9),
		Status:         MessageStatus(stmt.ColumnText(10)),
		RetryCount:     stmt.ColumnInt(11),
		MaxRetries:     stmt.ColumnInt(12),
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		v := stmt.ColumnText(5)
		message.CorrelationID = &v
	}
	message.CreatedAt, _ = ParseTime(stmt.ColumnText(7))
	message.ExpiresAt, _ = ParseTime(stmt.ColumnText(8))
	if stmt.ColumnType(13) != sqlite.TypeNull {
		if t, err := ParseTime(stmt.ColumnText(13)); err == nil {
			message.NextAttemptAt = &t
		}
	}
	if stmt.ColumnType(14) != sqlite.TypeNull {
		v := stmt.ColumnText(14)
		message.LeaseOwner = &v
	}
	if stmt.ColumnType(15) != sqlite.TypeNull {
		if t, err := ParseTime(stmt.ColumnText(15)); err == nil {
			message.LeaseExpiresAt = &t
		}
	}
	message.UpdatedAt, _ = ParseTime(stmt.ColumnText(16))
	return message
}
