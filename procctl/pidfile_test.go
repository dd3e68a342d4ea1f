// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package procctl

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	want := Fingerprint{PID: 12345, StartTime: "6789"}

	if err := WritePIDFile(path, want); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat pid file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("pid file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if *got != want {
		t.Fatalf("ReadPIDFile = %+v, want %+v", *got, want)
	}

	if err := ClearPIDFile(path); err != nil {
		t.Fatalf("ClearPIDFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err = %v", err)
	}
}

func TestReadPIDFile_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.pid")
	fp, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile on missing file: %v", err)
	}
	if fp != nil {
		t.Fatalf("expected nil fingerprint, got %+v", fp)
	}
}

func TestClearPIDFile_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := ClearPIDFile(path); err != nil {
		t.Fatalf("ClearPIDFile on already-missing file: %v", err)
	}
}

func TestReadProcStartTime_Self(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("/proc/<pid>/stat is Linux-specific")
	}
	startTime, err := readProcStartTime(os.Getpid())
	if err != nil {
		t.Fatalf("readProcStartTime(self): %v", err)
	}
	if startTime == "" {
		t.Fatal("expected non-empty start time for the running test process")
	}
}
