// Package vault implements the encryption service: authenticated symmetric
// encryption of opaque blobs, vault-key wrapping, and the password-based key
// derivation used by backups. The raw vault key lives only inside a Session
// and is zeroed on close; it is never persisted or logged.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/disnet/flint-note-sync/internal/common"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// nonceSize is the GCM nonce length (96 bits).
	nonceSize = 12
)

// Seal encrypts plaintext under key with AES-256-GCM. The output layout is
// nonce || ciphertext || tag, fixed-width framing with no length prefix. A
// fresh random nonce is drawn from the system RNG on every call; nonces are
// never derived from content or counters.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal. Any failure — wrong key, truncated
// input, a single flipped bit — is reported as ErrAuthenticationFailure;
// partial plaintext is never returned.
func Open(key, data []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(data) < nonceSize+aead.Overhead() {
		return nil, common.ErrAuthenticationFailure
	}

	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, common.ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
