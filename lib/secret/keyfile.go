// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadKeyFile reads a fixed-size binary key from path into a protected
// Buffer. Unlike ReadFromPath, it does not treat the file as text: no
// whitespace trimming is performed, since trimming would corrupt a
// binary key whose leading or trailing byte happens to be 0x09-0x0d or
// 0x20. The file must be exactly size bytes.
//
// The caller must call Close on the returned Buffer when done.
func ReadKeyFile(path string, size int) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading key file %s: %w", path, err)
	}
	if len(data) != size {
		Zero(data)
		return nil, fmt.Errorf("secret: key file %s is %d bytes, want %d", path, len(data), size)
	}

	// NewFromBytes copies into mmap-backed memory and zeros data in place.
	return NewFromBytes(data)
}

// WriteKeyFile writes key to path with 0600 permissions, creating
// parent directories as needed. Used at first-run to persist a freshly
// generated master key.
func WriteKeyFile(path string, key *Buffer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("secret: creating key directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
		return fmt.Errorf("secret: writing key file %s: %w", path, err)
	}
	return nil
}
