// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestWriteAndReadKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	original := make([]byte, 32)
	if _, err := rand.Read(original); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	buf, err := NewFromBytes(append([]byte(nil), original...))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buf.Close()

	if err := WriteKeyFile(path, buf); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}

	loaded, err := ReadKeyFile(path, 32)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	defer loaded.Close()

	if string(loaded.Bytes()) != string(original) {
		t.Error("loaded key does not match original")
	}
}

func TestReadKeyFileWrongSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	short := make([]byte, 16)
	buf, _ := NewFromBytes(short)
	defer buf.Close()
	if err := WriteKeyFile(path, buf); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}

	if _, err := ReadKeyFile(path, 32); err == nil {
		t.Error("expected error for wrong-size key file")
	}
}

func TestReadKeyFileMissing(t *testing.T) {
	if _, err := ReadKeyFile("/nonexistent/path/secret.key", 32); err == nil {
		t.Error("expected error for missing key file")
	}
}
