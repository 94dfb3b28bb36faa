package vault

import (
	"errors"
	"sync"

	"github.com/disnet/flint-note-sync/internal/common"
)

// Session owns the raw vault key for the lifetime of a process login. It is
// an explicit, injectable object rather than a process-wide singleton, so
// several vaults can coexist in one process (and in tests). Close zeroizes
// the key; a closed session refuses all operations.
type Session struct {
	mu     sync.RWMutex
	key    []byte
	closed bool
}

var errSessionClosed = errors.New("vault session closed")

// NewSession takes ownership of key. The caller must not retain or reuse the
// slice.
func NewSession(key []byte) (*Session, error) {
	if len(key) != KeySize {
		return nil, errors.New("vault key must be 32 bytes")
	}
	return &Session{key: key}, nil
}

// NewRandomSession creates a session around a freshly generated vault key,
// used when bootstrapping a brand-new vault.
func NewRandomSession() *Session {
	return &Session{key: common.RandBytes(KeySize)}
}

// Encrypt seals plaintext under the vault key.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errSessionClosed
	}
	return Seal(s.key, plaintext)
}

// Decrypt opens ciphertext sealed under the vault key.
func (s *Session) Decrypt(data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errSessionClosed
	}
	return Open(s.key, data)
}

// WrapKey seals the vault key itself under wrapKey, for device grants and
// password backups. Only the wrapped form ever leaves the process.
func (s *Session) WrapKey(wrapKey []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errSessionClosed
	}
	return Seal(wrapKey, s.key)
}

// UnwrapKey opens a wrapped vault key and returns a new session owning it.
func UnwrapKey(wrapKey, wrapped []byte) (*Session, error) {
	key, err := Open(wrapKey, wrapped)
	if err != nil {
		return nil, err
	}
	return NewSession(key)
}

// Close zeroizes the vault key. The session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		common.Wipe(s.key)
		s.key = nil
		s.closed = true
	}
}
