// Package trust implements the device-trust protocol: bootstrapping a new
// vault, admitting a new device through ephemeral key agreement, password
// backup recovery, revocation, and vault-key rotation. The vault key itself
// never crosses the wire; only wrapped keys and public keys do.
package trust

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/disnet/flint-note-sync/internal/vault"
)

// wrapInfo domain-separates the key-agreement output from any other HKDF use.
const wrapInfo = "flint-note-sync device grant wrap v1"

// KeyPair is an X25519 key pair. Used both for long-term device identity
// keys and for the ephemeral pair of a join request.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// NewKeyPair generates a fresh X25519 key pair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// LoadKeyPair restores a key pair from Bytes output.
func LoadKeyPair(b []byte) (*KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// Bytes returns the private key for persistence in device-local storage.
// Never replicate or upload this.
func (k *KeyPair) Bytes() []byte {
	return k.priv.Bytes()
}

// PublicKey returns the public key bytes safe to publish.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// SharedWrapKey derives the one-time wrap key from our private key and the
// peer's public key: X25519 agreement followed by HKDF-SHA256. Both sides of
// a grant derive the same value; an observer holding only the two public
// keys cannot.
func (k *KeyPair) SharedWrapKey(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	secret, err := k.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	out := make([]byte, vault.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(wrapInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return out, nil
}
