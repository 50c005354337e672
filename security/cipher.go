// Package security encrypts message content at rest.
package security

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving the content key from the passphrase.
const (
	Memory      = 64 * 1024
	Iterations  = 3
	Parallelism = 2
	KeyLength   = chacha20poly1305.KeySize
)

// Cipher seals plaintext into a ciphertext and nonce pair.
type Cipher interface {
	Seal(plaintext []byte, additional []byte) (ciphertext, nonce []byte, err error)
	Open(ciphertext, nonce, additional []byte) ([]byte, error)
}

// ContentCipher is XChaCha20-Poly1305 keyed by an Argon2id-derived key.
type ContentCipher struct {
	key []byte
}

// NewContentCipher derives the key once. The salt must stay stable across restarts
// or previously stored content becomes unreadable.
func NewContentCipher(passphrase, salt string) (*ContentCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is empty")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("encryption salt must be at least 8 bytes")
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), Iterations, Memory, Parallelism, KeyLength)
	return &ContentCipher{key: key}, nil
}

func (c *ContentCipher) Seal(plaintext, additional []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additional), nonce, nil
}

func (c *ContentCipher) Open(ciphertext, nonce, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, additional)
}
