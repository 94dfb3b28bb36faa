package vault

import (
	"golang.org/x/crypto/scrypt"

	"github.com/disnet/flint-note-sync/internal/common"
)

// scrypt parameters for the password-backup path. Memory-hard on purpose;
// the derived key only ever wraps the vault key, never note content.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// SaltSize is the length of the random KDF salt.
	SaltSize = 32
)

// DeriveKey stretches a password into a 256-bit wrap key.
func DeriveKey(password, salt []byte) ([]byte, error) {
	return scrypt.Key(password, salt, scryptN, scryptR, scryptP, KeySize)
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() []byte {
	return common.RandBytes(SaltSize)
}
