// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zeroclaw/cp/cperror"
)

// Fingerprint identifies the specific process instance that owns a PID,
// not merely the PID number — PIDs are reused by the OS, so a bare PID
// is not enough to safely signal a process days or weeks later.
type Fingerprint struct {
	PID int `json:"pid"`

	// StartTime is the process start time in clock ticks since boot,
	// read from /proc/<pid>/stat field 22 at spawn time. Two different
	// processes that ever hold the same PID almost never share the
	// same start time, making this the ownership marker spec.md §4.3
	// calls for. Empty on platforms without /proc.
	StartTime string `json:"start_time,omitempty"`
}

// WritePIDFile atomically (temp file + rename) writes fp to path with
// 0600 permissions, matching the writeStateFile discipline in
// cmd/bureau-launcher/exec.go.
func WritePIDFile(path string, fp Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return cperror.Wrap(err, "procctl: marshaling pid file")
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return cperror.Wrap(err, "procctl: creating temporary pid file")
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return cperror.Wrap(err, "procctl: writing temporary pid file")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return cperror.Wrap(err, "procctl: syncing temporary pid file")
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return cperror.Wrap(err, "procctl: closing temporary pid file")
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return cperror.Wrap(err, "procctl: renaming pid file into place")
	}
	return nil
}

// ReadPIDFile reads and parses the fingerprint at path. Returns
// (nil, nil) if the file does not exist — absence is a normal "not
// running" state, not an error.
func ReadPIDFile(path string) (*Fingerprint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cperror.Wrap(err, "procctl: reading pid file")
	}

	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, cperror.Wrap(err, "procctl: parsing pid file")
	}
	return &fp, nil
}

// ClearPIDFile removes the pid file. Idempotent — returns nil if the
// file is already gone.
func ClearPIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cperror.Wrap(err, "procctl: removing pid file")
	}
	return nil
}

// readProcStartTime reads field 22 (starttime) of /proc/<pid>/stat. The
// comm field (field 2) is parenthesized and may itself contain spaces
// or parens, so parsing starts after the last ')' rather than naively
// splitting on spaces.
func readProcStartTime(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}

	line := string(data)
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 {
		return "", fmt.Errorf("procctl: malformed /proc/%d/stat", pid)
	}

	fields := strings.Fields(line[closeParen+1:])
	// After the comm field, state is field 3 overall (fields[0] here),
	// so starttime (field 22 overall) is fields[22-3] = fields[19].
	const startTimeIndex = 19
	if len(fields) <= startTimeIndex {
		return "", fmt.Errorf("procctl: /proc/%d/stat has too few fields", pid)
	}
	if _, err := strconv.ParseInt(fields[startTimeIndex], 10, 64); err != nil {
		return "", fmt.Errorf("procctl: non-numeric starttime for pid %d: %w", pid, err)
	}
	return fields[startTimeIndex], nil
}
