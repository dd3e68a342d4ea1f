// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"

	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/secretstore"
)

// instanceView is the wire representation of a registry.Instance.
type instanceView struct {
	UUID         string  `json:"uuid"`
	Name         string  `json:"name"`
	Port         int     `json:"port"`
	ConfigPath   string  `json:"config_path"`
	WorkspaceDir string  `json:"workspace_dir"`
	Status       string  `json:"status"`
	PID          *int    `json:"pid,omitempty"`
	ArchivedAt   *string `json:"archived_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func newInstanceView(instance *registry.Instance) instanceView {
	view := instanceView{
		UUID:         instance.UUID,
		Name:         instance.Name,
		Port:         instance.Port,
		ConfigPath:   instance.ConfigPath,
		WorkspaceDir: instance.WorkspaceDir,
		Status:       string(instance.Status),
		PID:          instance.PID,
		CreatedAt:    registry.FormatTime(instance.CreatedAt),
		UpdatedAt:    registry.FormatTime(instance.UpdatedAt),
	}
	if instance.ArchivedAt != nil {
		archived := registry.FormatTime(*instance.ArchivedAt)
		view.ArchivedAt = &archived
	}
	return view
}

// messageView is the wire representation of a registry.Message. Payload
// is redacted again at serialization time, per spec: redaction happens
// both before persistence and before every response, so a change to
// the redaction patterns retroactively hides newly-sensitive-looking
// content in already-stored messages.
type messageView struct {
	ID             string          `json:"id"`
	FromInstance   string          `json:"from_instance"`
	ToInstance     string          `json:"to_instance"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      string          `json:"created_at"`
	ExpiresAt      string          `json:"expires_at"`
	HopCount       int             `json:"hop_count"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	NextAttemptAt  *string         `json:"next_attempt_at,omitempty"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string         `json:"lease_expires_at,omitempty"`
	UpdatedAt      string          `json:"updated_at"`
}

func newMessageView(message *registry.Message) messageView {
	view := messageView{
		ID:             message.ID,
		FromInstance:   message.FromInstance,
		ToInstance:     message.ToInstance,
		Type:           message.Type,
		Payload:        secretstore.Redact(message.Payload),
		CorrelationID:  message.CorrelationID,
		IdempotencyKey: message.IdempotencyKey,
		CreatedAt:      registry.FormatTime(message.CreatedAt),
		ExpiresAt:      registry.FormatTime(message.ExpiresAt),
		HopCount:       message.HopCount,
		Status:         string(message.Status),
		RetryCount:     message.RetryCount,
		MaxRetries:     message.MaxRetries,
		LeaseOwner:     message.LeaseOwner,
		UpdatedAt:      registry.FormatTime(message.UpdatedAt),
	}
	if message.NextAttemptAt != nil {
		next := registry.FormatTime(*message.NextAttemptAt)
		view.NextAttemptAt = &next
	}
	if message.LeaseExpiresAt != nil {
		lease := registry.FormatTime(*message.LeaseExpiresAt)
		view.LeaseExpiresAt = &lease
	}
	return view
}

func newMessageViews(messages []*registry.Message) []messageView {
	views := make([]messageView, len(messages))
	for i, message := range messages {
		views[i] = newMessageView(message)
	}
	return views
}

// messageEventView is the wire representation of a registry.MessageEvent.
type messageEventView struct {
	ID        int64   `json:"id"`
	MessageID string  `json:"message_id"`
	Kind      string  `json:"kind"`
	Detail    *string `json:"detail,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func newMessageEventViews(events []*registry.MessageEvent) []messageEventView {
	views := make([]messageEventView, len(events))
	for i, event := range events {
		views[i] = messageEventView{
			ID:        event.ID,
			MessageID: event.MessageID,
			Kind:      string(event.Kind),
			Detail:    event.Detail,
			CreatedAt: registry.FormatTime(event.CreatedAt),
		}
	}
	return views
}
