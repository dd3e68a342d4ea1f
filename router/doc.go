// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package router implements the control plane's message ingest
// contract: validate an inbound envelope, check idempotency, evaluate
// routing policy, redact the payload, and persist it to the Registry —
// publishing a MessageEvent on the Event Bus once the write commits.
// Rejection at any validation or policy step is synchronous and never
// enqueues a row.
package router
