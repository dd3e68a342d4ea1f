// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the control plane's core HTTP surface:
// instance lifecycle, message ingest and observability, all over a
// single net/http.ServeMux using Go's method-plus-pattern routing.
// Every response payload passes through secretstore.Redact before
// serialization, and every error message through secretstore.RedactError.
package httpapi
