// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/zeroclaw/cp/router"
)

type ingestMessageRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	HopCount       int             `json:"hop_count,omitempty"`
}

func (h *Handler) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	var req ingestMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	message, err := h.router.Ingest(r.Context(), router.Envelope{
		From:           req.From,
		To:             req.To,
		Type:           req.Type,
		Payload:        req.Payload,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		HopCount:       req.HopCount,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newMessageView(message))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.registry.ListMessages(r.Context(), listLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageViews(messages))
}

func (h *Handler) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	messages, err := h.registry.ListDeadLetterMessages(r.Context(), listLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageViews(messages))
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	message, err := h.registry.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageView(message))
}

func (h *Handler) handleListMessageEvents(w http.ResponseWriter, r *http.Request) {
	// GetMessage first so a missing message surfaces 404 rather than an
	// empty event list indistinguishable from "no events yet".
	if _, err := h.registry.GetMessage(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	events, err := h.registry.ListMessageEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageEventViews(events))
}

func (h *Handler) handleAcknowledgeMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Acknowledge(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	message, err := h.registry.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageView(message))
}

func (h *Handler) handleReplayMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Replay(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	message, err := h.registry.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageView(message))
}
