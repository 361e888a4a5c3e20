// Package secrets seals and opens small secrets (broker credentials)
// with AES-256-GCM. The key lives in configuration, never in the
// store, so a stolen database alone cannot recover credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrBadCiphertext is returned when a sealed value cannot be opened,
// whether it was tampered with or sealed under a different key. Callers
// map it to their credentials-invalid outcome.
var ErrBadCiphertext = errors.New("ciphertext invalid or sealed under a different key")

// Box is a reusable AEAD wrapper around one configured key.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a hex-encoded 256-bit key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building AEAD: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts a plaintext secret. The random nonce is prepended to
// the ciphertext so Open needs no state beyond the key.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed secret.
func (b *Box) Open(sealed []byte) (string, error) {
	if len(sealed) < b.aead.NonceSize() {
		return "", ErrBadCiphertext
	}
	nonce, ct := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(pt), nil
}
