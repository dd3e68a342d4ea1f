// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package cperror defines the control plane's error taxonomy: a closed
// set of kinds that every HTTP handler and background worker maps to a
// response or log line the same way, instead of inventing ad-hoc status
// codes at each call site.
package cperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed enum of error categories. See spec §7 for the
// surface each kind maps to.
type Kind string

const (
	Validation         Kind = "validation"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	UnauthorizedRoute  Kind = "unauthorized_route"
	Busy               Kind = "busy"
	Internal           Kind = "internal"
	Gone               Kind = "gone"
)

// Error is the structured error type carried across the control plane.
// Callers use errors.As to recover the Kind and render the response or
// decide whether the error is retryable.
type Error struct {
	Kind    Kind
	Message string
	// Detail carries an optional machine-readable field (e.g. which
	// field failed validation). May be empty.
	Detail string
	// Wrapped is the underlying cause, if any. Not included in Error()
	// by default for validation/conflict/etc — those messages are
	// already caller-facing — but available via Unwrap for logging.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of the error with Detail set.
func (e *Error) WithDetail(detail string) *Error {
	copied := *e
	copied.Detail = detail
	return &copied
}

// Wrap wraps an internal cause as an Internal-kind error. Use this at
// the boundary between storage/filesystem/crypto failures and the
// caller-facing error taxonomy.
func Wrap(cause error, message string) *Error {
	return &Error{Kind: Internal, Message: message, Wrapped: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
// Unrecognized errors are treated as Internal.
func KindOf(err error) Kind {
	var cpErr *Error
	if errors.As(err, &cpErr) {
		return cpErr.Kind
	}
	return Internal
}

// StatusFor maps a Kind to its HTTP status code per spec §7.
func StatusFor(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case UnauthorizedRoute:
		return http.StatusForbidden
	case Busy:
		return http.StatusLocked
	case Gone:
		return http.StatusGone
	case Internal:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
