// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/lifecycle"
	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/router"
	"github.com/zeroclaw/cp/secretstore"
)

// maxRequestBodyBytes bounds decoded request bodies; generous enough
// for the largest legal message payload plus envelope overhead.
const maxRequestBodyBytes = 72 * 1024

// Handler serves the core HTTP surface described in spec.md §4.8: instance
// lifecycle, message ingest, and observability reads, all backed by the
// same Registry the Supervisor Loop and Delivery Worker operate on.
type Handler struct {
	registry  *registry.Registry
	router    *router.Router
	lifecycle *lifecycle.Manager
	logger    *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(reg *registry.Registry, rt *router.Router, mgr *lifecycle.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{registry: reg, router: rt, lifecycle: mgr, logger: logger}
}

// NewServer builds an *http.Server bound to addr, routing every
// endpoint in the core contract to h.
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /instances", h.handleCreateInstance)
	mux.HandleFunc("GET /instances", h.handleListInstances)
	mux.HandleFunc("GET /instances/{name}", h.handleGetInstance)
	mux.HandleFunc("GET /instances/{name}/messages", h.handleListInstanceMessages)
	mux.HandleFunc("POST /instances/{name}/{action}", h.handleInstanceAction)
	mux.HandleFunc("DELETE /instances/{name}", h.handleDeleteInstance)

	mux.HandleFunc("POST /messages", h.handleIngestMessage)
	mux.HandleFunc("GET /messages", h.handleListMessages)
	mux.HandleFunc("GET /messages/dead-letter", h.handleListDeadLetter)
	mux.HandleFunc("GET /messages/{id}", h.handleGetMessage)
	mux.HandleFunc("GET /messages/{id}/events", h.handleListMessageEvents)
	mux.HandleFunc("POST /messages/{id}/ack", h.handleAcknowledgeMessage)
	mux.HandleFunc("POST /messages/{id}/replay", h.handleReplayMessage)

	mux.HandleFunc("GET /health", h.handleHealth)

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON reads and decodes a JSON request body into dst, rejecting
// bodies over maxRequestBodyBytes and any trailing garbage.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return cperror.Newf(cperror.Validation, "decoding request body: %v", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return cperror.New(cperror.Validation, "decoding request body: unexpected data after JSON value")
	}
	return nil
}

// writeJSON encodes value as JSON into w with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

// writeError maps err's cperror.Kind to its HTTP status and writes a
// redacted error body. Every error that reaches the HTTP boundary
// passes through secretstore.RedactError first.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := cperror.StatusFor(cperror.KindOf(err))
	h.writeJSON(w, status, map[string]string{"error": secretstore.RedactError(err)})
}

func (h *Handler) writeErrorf(w http.ResponseWriter, kind cperror.Kind, format string, args ...any) {
	h.writeError(w, cperror.Newf(kind, format, args...))
}
