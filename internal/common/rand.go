package common

import (
	"crypto/rand"
	"encoding/hex"
)

// RandBytes returns size cryptographically random bytes. It panics if the
// system RNG fails, which is not a recoverable condition for key material.
func RandBytes(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandHexString generates a random hexadecimal string of 2*size characters
// (size random bytes, hex encoded). Panics like RandBytes if the system RNG
// fails.
func RandHexString(size int) string {
	return hex.EncodeToString(RandBytes(size))
}

// Wipe overwrites the contents of b with zeros. Used to remove key material
// from memory after use. Safe to call with nil.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
