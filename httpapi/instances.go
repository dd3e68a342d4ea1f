// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/lifecycle"
)

type createInstanceRequest struct {
	Name       string `json:"name"`
	Port       int    `json:"port,omitempty"`
	ConfigPath string `json:"config_path"`
}

func (h *Handler) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.ConfigPath == "" {
		h.writeErrorf(w, cperror.Validation, "config_path is required")
		return
	}

	instance, err := h.lifecycle.Create(r.Context(), lifecycle.CreateParams{
		Name:       req.Name,
		Port:       req.Port,
		ConfigPath: req.ConfigPath,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newInstanceView(instance))
}

func (h *Handler) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.registry.ListInstances(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]instanceView, len(instances))
	for i, instance := range instances {
		views[i] = newInstanceView(instance)
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := h.registry.GetInstanceByName(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newInstanceView(instance))
}

func (h *Handler) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Delete(r.Context(), r.PathValue("name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cloneInstanceRequest struct {
	NewName string `json:"new_name"`
	Port    int    `json:"port,omitempty"`
}

// handleInstanceAction dispatches POST /instances/{name}/{action} to
// the matching lifecycle operation. Grouping the six actions under one
// route (rather than six separate mux entries) keeps the path-param
// handling in one place; each action still maps 1:1 onto a distinct
// lifecycle.Manager method.
func (h *Handler) handleInstanceAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()

	switch r.PathValue("action") {
	case "start":
		instance, err := h.lifecycle.Start(ctx, name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newInstanceView(instance))

	case "stop":
		instance, err := h.lifecycle.Stop(ctx, name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newInstanceView(instance))

	case "restart":
		instance, err := h.lifecycle.Restart(ctx, name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newInstanceView(instance))

	case "archive":
		if err := h.lifecycle.Archive(ctx, name); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case "unarchive":
		instance, err := h.lifecycle.Unarchive(ctx, name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newInstanceView(instance))

	case "clone":
		var req cloneInstanceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		if req.NewName == "" {
			h.writeErrorf(w, cperror.Validation, "new_name is required")
			return
		}
		instance, err := h.lifecycle.Clone(ctx, name, req.NewName, req.Port)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, newInstanceView(instance))

	default:
		h.writeErrorf(w, cperror.Validation, "unknown instance action %q", r.PathValue("action"))
	}
}

func (h *Handler) handleListInstanceMessages(w http.ResponseWriter, r *http.Request) {
	instance, err := h.registry.GetInstanceByName(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	messages, err := h.registry.ListInstanceMessages(r.Context(), instance.UUID, listLimit(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMessageViews(messages))
}

// defaultListLimit and maxListLimit bound the ?limit= query parameter
// accepted by every listing endpoint.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return defaultListLimit
	}
	if parsed > maxListLimit {
		return maxListLimit
	}
	return parsed
}
