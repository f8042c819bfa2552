// Package secrets encrypts git credentials at rest with AES-256-GCM.
//
// The key is derived once at process start by hashing the configured
// application secret with SHA-256; it is not rotated at runtime.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Box holds the derived key for encrypt/decrypt operations.
type Box struct {
	key [32]byte
}

// Ciphertext is the stored form of an encrypted value. All fields are
// standard base64.
type Ciphertext struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
}

// New derives a Box from the application encryption secret.
func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	return &Box{key: sha256.Sum256([]byte(secret))}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The GCM auth tag is
// stored separately from the ciphertext body.
func (b *Box) Encrypt(plaintext string) (Ciphertext, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return Ciphertext{}, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("create gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Ciphertext{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()

	return Ciphertext{
		Data: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Tag:  base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt opens a stored ciphertext. Any tampering or key mismatch returns an
// error; callers surface it as "credential unavailable", never as a leak.
func (b *Box) Decrypt(ct Ciphertext) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ct.Data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ct.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(ct.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}

	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("bad iv length %d", len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
