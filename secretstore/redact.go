// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package secretstore

import (
	"encoding/json"
	"regexp"
)

// Placeholder replaces any string value that matches a secret pattern.
const Placeholder = "***MASKED***"

// secretPatterns match substrings likely to be secret material inside a
// free-form message payload. Unlike cp/masking.rs's enumerated config
// path list, payloads here have no fixed schema, so patterns are
// content-based rather than path-based.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{16,}`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`enc2?:[a-zA-Z0-9_=-]{8,}`),
	regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`),
}

// Redact walks a decoded JSON value (object, array, string, or scalar)
// and returns a copy with every string value that matches a secret
// pattern replaced by Placeholder. Applied before persistence and
// before every response serialization.
func Redact(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Not valid JSON (or a bare scalar is already fine); fall back
		// to scanning the raw bytes as a single string.
		return json.RawMessage(redactString(string(payload)))
	}

	redacted := redactValue(decoded)
	out, err := json.Marshal(redacted)
	if err != nil {
		return payload
	}
	return out
}

// RedactError scans an error message for secret patterns and returns a
// redacted copy. Applied to every error that crosses the HTTP boundary
// or reaches the logs.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return redactString(err.Error())
}

func redactValue(value any) any {
	switch v := value.(type) {
	case string:
		return redactStringValue(v)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = redactValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = redactValue(elem)
		}
		return out
	default:
		return v
	}
}

func redactStringValue(s string) string {
	for _, pattern := range secretPatterns {
		if pattern.MatchString(s) {
			return Placeholder
		}
	}
	return s
}

func redactString(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, Placeholder)
	}
	return s
}
