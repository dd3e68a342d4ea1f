// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretstore implements the control plane's authenticated
// encryption wrapper: versioned envelopes for persisted secret values,
// transparent migration from a deprecated cipher, and payload redaction.
//
// Grounded on lib/artifactstore/encrypt.go's AEAD envelope pattern:
// HKDF-SHA256 key derivation with domain-separated info strings, and an
// AAD binding the ciphertext to the identifier it was encrypted under.
// Unlike that package's XChaCha20-Poly1305 (24-byte nonce), the wire
// envelope here uses standard ChaCha20-Poly1305 (12-byte nonce, 16-byte
// tag) to match the stable "enc2:" format.
package secretstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/zeroclaw/cp/lib/secret"
)

const (
	// EnvelopePrefix marks a value encrypted with the current AEAD scheme.
	EnvelopePrefix = "enc2:"

	// LegacyEnvelopePrefix marks a value encrypted with the deprecated
	// XOR cipher. Decrypt-only: Store.Encrypt never produces this.
	LegacyEnvelopePrefix = "enc:"
)

// hkdfInfoAEAD and hkdfInfoLegacy provide domain separation between the
// current AEAD key and the legacy keystream key, both derived from the
// same master key so only one key file needs to be provisioned.
var (
	hkdfInfoAEAD   = []byte("zeroclaw.cp.secret.aead.v1")
	hkdfInfoLegacy = []byte("zeroclaw.cp.secret.legacy.v1")
)

// errCannotDecryptMessage is the Error() text of the *DecryptError
// returned for every decrypt failure regardless of cause (malformed
// base64, truncated nonce/tag, authentication failure, unknown
// envelope). The specific cause is never echoed to callers; it is
// available only via errors.As against *DecryptError for logging.
var errCannotDecryptMessage = "secretstore: cannot decrypt value"

// DecryptError carries the private diagnostic behind a decrypt failure.
// Callers should use its Error() string (which never includes plaintext)
// for logs; HTTP responses should use the generic cperror wrapping
// instead of echoing Reason.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string { return errCannotDecryptMessage }

// Store holds the master key and derived sub-keys used for secret
// encryption and decryption. The master key is loaded once from disk at
// startup and held in guarded memory for the process lifetime.
type Store struct {
	aeadKey   *secret.Buffer
	legacyKey *secret.Buffer
	logger    *slog.Logger
}

// Open derives the AEAD and legacy keys from masterKey via HKDF-SHA256.
// masterKey is borrowed and not closed by Open; the caller retains
// ownership and must Close it independently. The returned Store owns
// its derived keys and must be closed with Store.Close.
func Open(masterKey *secret.Buffer, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	aeadKey, err := deriveKey(masterKey.Bytes(), hkdfInfoAEAD, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("secretstore: deriving AEAD key: %w", err)
	}
	legacyKey, err := deriveKey(masterKey.Bytes(), hkdfInfoLegacy, chacha20poly1305.KeySize)
	if err != nil {
		aeadKey.Close()
		return nil, fmt.Errorf("secretstore: deriving legacy key: %w", err)
	}

	return &Store{aeadKey: aeadKey, legacyKey: legacyKey, logger: logger}, nil
}

// Close releases the derived keys. Idempotent.
func (s *Store) Close() {
	if s.aeadKey != nil {
		s.aeadKey.Close()
	}
	if s.legacyKey != nil {
		s.legacyKey.Close()
	}
}

func deriveKey(inputKeyMaterial, info []byte, size int) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, size)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// Encrypt seals plaintext under field, the caller-supplied identifier
// bound into the ciphertext as AAD (e.g. "instances/<uuid>/api_key"),
// and returns the "enc2:" envelope.
func (s *Store) Encrypt(plaintext []byte, field string) (string, error) {
	aead, err := chacha20poly1305.New(s.aeadKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("secretstore: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretstore: generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(field))
	return EnvelopePrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt accepts both the current and legacy envelope and returns the
// plaintext. field must match the identifier passed to Encrypt.
func (s *Store) Decrypt(value, field string) ([]byte, error) {
	plaintext, _, err := s.decrypt(value, field)
	return plaintext, err
}

// DecryptAndMigrate decrypts value. If value used the legacy envelope,
// it also returns a freshly produced "enc2:" encryption of the same
// plaintext and logs a structured warning naming field but never the
// plaintext; the caller is responsible for persisting the upgraded
// value. If value was already current, upgraded is empty.
func (s *Store) DecryptAndMigrate(value, field string) (plaintext []byte, upgraded string, err error) {
	plaintext, wasLegacy, err := s.decrypt(value, field)
	if err != nil {
		return nil, "", err
	}
	if !wasLegacy {
		return plaintext, "", nil
	}

	upgraded, err = s.Encrypt(plaintext, field)
	if err != nil {
		return nil, "", fmt.Errorf("secretstore: re-encrypting migrated value: %w", err)
	}

	s.logger.Warn("secret needs migration", "field", field)
	return plaintext, upgraded, nil
}

func (s *Store) decrypt(value, field string) (plaintext []byte, wasLegacy bool, err error) {
	switch {
	case len(value) >= len(EnvelopePrefix) && value[:len(EnvelopePrefix)] == EnvelopePrefix:
		plaintext, err = s.decryptAEAD(value[len(EnvelopePrefix):], field)
		return plaintext, false, err
	case len(value) >= len(LegacyEnvelopePrefix) && value[:len(LegacyEnvelopePrefix)] == LegacyEnvelopePrefix:
		plaintext, err = s.decryptLegacy(value[len(LegacyEnvelopePrefix):])
		return plaintext, true, err
	default:
		return nil, false, &DecryptError{Reason: "unknown envelope prefix"}
	}
}

func (s *Store) decryptAEAD(encoded, field string) ([]byte, error) {
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecryptError{Reason: "malformed base64"}
	}
	if len(sealed) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, &DecryptError{Reason: "truncated ciphertext"}
	}

	aead, err := chacha20poly1305.New(s.aeadKey.Bytes())
	if err != nil {
		return nil, &DecryptError{Reason: "cipher init failed"}
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(field))
	if err != nil {
		return nil, &DecryptError{Reason: "authentication failed"}
	}
	return plaintext, nil
}

// decryptLegacy reverses the deprecated repeating-key XOR cipher. The
// legacy envelope carries no AAD and no authentication tag — that is
// precisely why it is deprecated.
func (s *Store) decryptLegacy(encoded string) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecryptError{Reason: "malformed legacy base64"}
	}

	key := s.legacyKey.Bytes()
	plaintext := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		plaintext[i] = b ^ key[i%len(key)]
	}
	return plaintext, nil
}

// NeedsMigration reports whether value uses the deprecated envelope.
// Prefix inspection only; does not decrypt.
func NeedsMigration(value string) bool {
	return len(value) >= len(LegacyEnvelopePrefix) && value[:len(LegacyEnvelopePrefix)] == LegacyEnvelopePrefix
}

// IsSecureEncrypted reports whether value uses the current AEAD
// envelope. Prefix inspection only; does not decrypt.
func IsSecureEncrypted(value string) bool {
	return len(value) >= len(EnvelopePrefix) && value[:len(EnvelopePrefix)] == EnvelopePrefix
}
