// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package secretstore_test

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/zeroclaw/cp/lib/secret"
	"github.com/zeroclaw/cp/secretstore"
)

func newTestStore(t *testing.T) *secretstore.Store {
	t.Helper()
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		t.Fatalf("generating master key: %v", err)
	}
	masterKey, err := secret.NewFromBytes(keyBytes)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer masterKey.Close()

	store, err := secretstore.Open(masterKey, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := newTestStore(t)

	envelope, err := store.Encrypt([]byte("hunter2"), "instances/abc/api_key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(envelope, secretstore.EnvelopePrefix) {
		t.Fatalf("envelope %q missing prefix %q", envelope, secretstore.EnvelopePrefix)
	}

	plaintext, err := store.Decrypt(envelope, "instances/abc/api_key")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hunter2" {
		t.Errorf("plaintext = %q, want hunter2", plaintext)
	}
}

func TestDecryptWrongFieldFails(t *testing.T) {
	store := newTestStore(t)

	envelope, err := store.Encrypt([]byte("hunter2"), "field-a")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := store.Decrypt(envelope, "field-b"); err == nil {
		t.Fatal("expected decrypt to fail when field AAD does not match")
	}
}

func TestMigrationPrefixesAndCurrentEnvelopeNotUpgraded(t *testing.T) {
	store := newTestStore(t)

	// A legacy envelope cannot be built from outside the package: the
	// legacy key is an HKDF derivation the Store computes internally.
	// Exercise NeedsMigration and IsSecureEncrypted, which are
	// prefix-only and don't require a key, and check that
	// DecryptAndMigrate leaves a current envelope un-upgraded.
	if !secretstore.NeedsMigration("enc:abcd") {
		t.Error("expected enc: prefix to need migration")
	}
	if secretstore.NeedsMigration("enc2:abcd") {
		t.Error("did not expect enc2: prefix to need migration")
	}
	if !secretstore.IsSecureEncrypted("enc2:abcd") {
		t.Error("expected enc2: prefix to be secure")
	}
	if secretstore.IsSecureEncrypted("enc:abcd") {
		t.Error("did not expect enc: prefix to be secure")
	}

	envelope, err := store.Encrypt([]byte("value"), "f")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, upgraded, err := store.DecryptAndMigrate(envelope, "f")
	if err != nil {
		t.Fatalf("DecryptAndMigrate: %v", err)
	}
	if string(plaintext) != "value" {
		t.Errorf("plaintext = %q, want value", plaintext)
	}
	if upgraded != "" {
		t.Error("expected no upgrade for an already-current envelope")
	}
}

func TestDecryptMalformedBase64(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Decrypt("enc2:not-valid-base64!!!", "f"); err == nil {
		t.Fatal("expected error for malformed base64")
	}
}

func TestDecryptUnknownEnvelope(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Decrypt("plain:"+base64.URLEncoding.EncodeToString([]byte("x")), "f"); err == nil {
		t.Fatal("expected error for unknown envelope prefix")
	}
}
