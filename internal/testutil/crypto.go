package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// NewTestEncryptor creates an encryptor with a deterministic key so tests in
// different packages can decrypt each other's fixtures.
func NewTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	encryptor, err := crypto.NewEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// Encrypt encrypts a plaintext with the given encryptor, failing the test
// on error.
func Encrypt(t *testing.T, encryptor *crypto.Encryptor, plaintext string) []byte {
	t.Helper()

	ciphertext, err := encryptor.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	return ciphertext
}
