// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LoadKeyFile loads the size-byte master key at path, generating a fresh
// random key and writing it with 0600 permissions if the file does not
// exist yet. This is the first-run path for secretstore's master key:
// callers need not provision it out of band.
//
// The returned Buffer must be closed by the caller.
func LoadKeyFile(path string, size int) (*Buffer, error) {
	if _, err := os.Stat(path); err == nil {
		return ReadKeyFile(path, size)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secret: stat key file %s: %w", path, err)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secret: generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		Zero(key)
		return nil, fmt.Errorf("secret: creating key directory: %w", err)
	}

	// Write atomically (temp + rename) so a crash mid-write never leaves
	// a truncated key file that would be silently accepted on restart.
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, key, 0o600); err != nil {
		Zero(key)
		return nil, fmt.Errorf("secret: writing temporary key file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		Zero(key)
		os.Remove(temporaryPath)
		return nil, fmt.Errorf("secret: renaming key file into place: %w", err)
	}

	buffer, err := NewFromBytes(key)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
