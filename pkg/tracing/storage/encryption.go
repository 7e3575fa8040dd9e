// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// KeyEnvVar holds a base64 key or a passphrase.
	KeyEnvVar = "AGENTTRACE_TRACE_KEY"

	keyringService = "agenttrace"
	keyringUser    = "trace-key"

	keyLength = 32 // AES-256

	// Argon2id parameters for passphrase stretching.
	argon2Time        = 1
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
)

// passphraseSalt is fixed so the same passphrase always yields the same key
// and previously written payloads stay readable.
var passphraseSalt = []byte("agenttrace/trace-key/v1")

// EncryptionKey represents an encryption key for payloads at rest.
type EncryptionKey struct {
	key []byte
}

// LoadEncryptionKey loads the key from AGENTTRACE_TRACE_KEY, falling back
// to the system keyring. Returns nil, nil when neither holds a key.
func LoadEncryptionKey() (*EncryptionKey, error) {
	if keyStr := os.Getenv(KeyEnvVar); keyStr != "" {
		return ParseEncryptionKey(keyStr)
	}

	keyStr, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		// keyring.ErrNotFound and an unavailable keyring (headless Linux,
		// locked keychain) both mean no key.
		return nil, nil
	}
	return ParseEncryptionKey(keyStr)
}

// ParseEncryptionKey decodes a base64 key. Any other string is treated as a
// passphrase and stretched with Argon2id.
func ParseEncryptionKey(s string) (*EncryptionKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(keyBytes) != keyLength {
		keyBytes = DeriveKey(s)
	}
	if len(keyBytes) != keyLength {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d bytes", keyLength, len(keyBytes))
	}
	return &EncryptionKey{key: keyBytes}, nil
}

// GenerateEncryptionKey generates a new random 32-byte encryption key.
func GenerateEncryptionKey() (*EncryptionKey, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return &EncryptionKey{key: key}, nil
}

// SaveToKeyring stores the key in the system keyring so that
// LoadEncryptionKey finds it without the environment variable.
func (k *EncryptionKey) SaveToKeyring() error {
	if err := keyring.Set(keyringService, keyringUser, k.String()); err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// String returns the base64-encoded key for storage/display.
func (k *EncryptionKey) String() string {
	return base64.StdEncoding.EncodeToString(k.key)
}

// DeriveKey derives a 32-byte key from a passphrase using Argon2id.
func DeriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), passphraseSalt, argon2Time, argon2Memory, argon2Parallelism, keyLength)
}

// KeyFromPassphrase stretches passphrase into an AES-256 key.
func KeyFromPassphrase(passphrase string) *EncryptionKey {
	return &EncryptionKey{key: DeriveKey(passphrase)}
}

func (k *EncryptionKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64-encoded ciphertext with nonce prepended.
func (k *EncryptionKey) Encrypt(plaintext []byte) (string, error) {
	if k == nil {
		return "", fmt.Errorf("encryption key is nil")
	}

	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext using AES-256-GCM.
// Expects nonce to be prepended to the ciphertext.
func (k *EncryptionKey) Decrypt(encoded string) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("encryption key is nil")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
