// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zeroclaw/cp/cperror"
	"github.com/zeroclaw/cp/lib/clock"
)

// survivalCheckDelay is how long Spawn waits before checking that the
// child did not immediately exit. 250ms is enough to catch "binary not
// found", "config parse error", and similar immediate-exit failures
// without meaningfully slowing down a normal start.
const survivalCheckDelay = 250 * time.Millisecond

// SpawnParams holds everything needed to start one instance's agent
// process.
type SpawnParams struct {
	// Binary is the agent executable path.
	Binary string
	// Args are passed to the agent, typically ["-config", configPath].
	Args []string
	// WorkspaceDir is the instance's working directory and becomes the
	// child's cwd.
	WorkspaceDir string
	// LogDir holds current.log and the <RFC3339>.log files it is
	// rotated to on start. It is created if missing.
	LogDir string
	// PIDFilePath is where the fingerprint is written immediately after
	// spawn.
	PIDFilePath string
}

// SpawnResult reports the outcome of a successful Spawn.
type SpawnResult struct {
	PID         int
	Fingerprint Fingerprint
}

// Spawn starts the agent as a detached child (Setsid, so it survives
// the control plane exiting its own session), redirects stdio to a
// freshly rotated log file, writes the PID file, and performs the
// post-spawn survival check required by spec.md §4.3: if the child has
// already exited survivalCheckDelay after starting, the spawn is
// reported as failed and the PID file is cleared.
func Spawn(params SpawnParams, cl clock.Clock) (*SpawnResult, error) {
	if cl == nil {
		cl = clock.Real()
	}

	logFile, err := rotateAndOpenLog(params.LogDir)
	if err != nil {
		return nil, cperror.Wrap(err, "procctl: preparing log file")
	}
	defer logFile.Close()

	cmd := exec.Command(params.Binary, params.Args...)
	cmd.Dir = params.WorkspaceDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, cperror.Wrap(err, "procctl: starting process")
	}

	// Reap the child in the background regardless of outcome below —
	// otherwise a failed survival check still leaves a zombie.
	waitResult := make(chan error, 1)
	go func() { waitResult <- cmd.Wait() }()

	startTime, _ := readProcStartTime(cmd.Process.Pid)
	fp := Fingerprint{PID: cmd.Process.Pid, StartTime: startTime}

	if err := WritePIDFile(params.PIDFilePath, fp); err != nil {
		cmd.Process.Kill()
		<-waitResult
		return nil, err
	}

	cl.Sleep(survivalCheckDelay)

	select {
	case <-waitResult:
		ClearPIDFile(params.PIDFilePath)
		return nil, cperror.Newf(cperror.Internal, "process exited within %s of spawning", survivalCheckDelay)
	default:
	}

	return &SpawnResult{PID: fp.PID, Fingerprint: fp}, nil
}

// rotateAndOpenLog renames any existing non-empty current.log in logDir
// to <RFC3339>.log in the same directory and opens a fresh current.log
// for the new process.
func rotateAndOpenLog(logDir string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	currentPath := filepath.Join(logDir, "current.log")
	if info, err := os.Stat(currentPath); err == nil && info.Size() > 0 {
		rotatedPath := filepath.Join(logDir, fmt.Sprintf("%s.log", time.Now().UTC().Format(time.RFC3339)))
		if err := os.Rename(currentPath, rotatedPath); err != nil {
			return nil, fmt.Errorf("rotating log file: %w", err)
		}
	}

	file, err := os.OpenFile(currentPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening current.log: %w", err)
	}
	return file, nil
}
