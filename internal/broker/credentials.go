package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/disnet/flint-note-sync/internal/common"
)

// MaxCredentialTTL caps how long issued storage credentials live. A leaked
// credential exposes one vault's ciphertext for at most this long.
const MaxCredentialTTL = time.Hour

// Credential is a short-lived object-storage credential scoped to one
// vault's path prefix. The storage gateway enforces the prefix; the broker
// only mints.
type Credential struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	PathPrefix      string    `json:"pathPrefix"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Expired reports whether the credential is past its lifetime.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ScopePrefix derives the storage path prefix for a vault. Hashing keeps
// vault IDs out of object keys, so bucket listings leak nothing about who
// owns which scope.
func ScopePrefix(vaultID string) string {
	sum := sha256.Sum256([]byte(vaultID))
	return "v1/" + hex.EncodeToString(sum[:16])
}

// Minter produces the raw storage credentials for a scope. Implementations
// front an STS-style endpoint or a storage gateway's admin API.
type Minter interface {
	Mint(scopePrefix string, expiresAt time.Time) (*Credential, error)
}

// RandomMinter issues random credentials that a colocated storage gateway
// registers for the scope. Suitable for self-hosted deployments and tests.
type RandomMinter struct{}

func (RandomMinter) Mint(scopePrefix string, expiresAt time.Time) (*Credential, error) {
	return &Credential{
		AccessKeyID:     "FNS" + strings.ToUpper(common.RandHexString(8)),
		SecretAccessKey: common.RandHexString(20),
		SessionToken:    common.RandHexString(32),
		PathPrefix:      scopePrefix,
		ExpiresAt:       expiresAt,
	}, nil
}
