// Copyright (c) 2026 John Earle
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

// Package crypto encrypts provider credentials at rest. Values are
// serialized to JSON and sealed with AES-256-GCM; the opaque output is a
// base64 string carrying the nonce as a prefix.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecrypt is returned when an opaque blob cannot be opened with the
// configured key. Callers performing destructive cleanup must log it and
// proceed rather than abort.
var ErrDecrypt = errors.New("credential decryption failed")

// Box is the credential encryption capability. The key is derived once from
// process-wide configuration and injected at construction; it is never
// mutated at runtime.
type Box struct {
	key [32]byte
}

// NewBox derives an AES-256 key from the configured encryption secret.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("encryption secret must not be empty")
	}
	return &Box{key: sha256.Sum256([]byte(secret))}, nil
}

// EncryptObject serializes v to JSON and seals it into an opaque string.
func (b *Box) EncryptObject(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptObject opens an opaque string produced by EncryptObject and
// unmarshals it into out. It returns ErrDecrypt on any failure so callers
// can distinguish a bad key/blob from other errors.
func (b *Box) DecryptObject(opaque string, out any) error {
	sealed, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return ErrDecrypt
	}

	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return ErrDecrypt
	}
	if len(sealed) < gcm.NonceSize() {
		return ErrDecrypt
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecrypt
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return ErrDecrypt
	}
	return nil
}
