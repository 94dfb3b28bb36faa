// Package broker implements the identity and credential broker: it verifies
// device-presented access tokens and exchanges them for short-lived,
// path-scoped object-storage credentials, enforcing a per-vault storage
// quota. The broker never sees plaintext notes or the vault key.
package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/logging"
)

// Claims are the registered JWT claims plus the vault binding and the
// confirmation claim carrying the SHA-256 of the device public key the token
// was issued to.
type Claims struct {
	jwt.RegisteredClaims
	VaultID      string `json:"vaultId"`
	Confirmation string `json:"cnf"`
}

// KeyResolver maps a token issuer to its Ed25519 verification key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, issuer string) (ed25519.PublicKey, error)
}

// ReplayStore records consumed token IDs so a token authorizes exactly one
// credential issuance.
type ReplayStore interface {
	// ConsumeJTI records jti as used. A second consume of the same jti
	// fails with ErrInvalidToken. expiresAt lets implementations expire
	// old entries.
	ConsumeJTI(ctx context.Context, jti string, expiresAt time.Time) error
}

// Verifier checks access tokens. Verification walks a fixed sequence and the
// first failing step wins: parse, resolve the issuer key, check the
// signature, check the audience, check expiry, then check proof of
// possession and single use.
type Verifier struct {
	log      logging.Logger
	keys     KeyResolver
	replays  ReplayStore
	audience string
	now      func() time.Time
}

func NewVerifier(log logging.Logger, keys KeyResolver, replays ReplayStore, audience string) *Verifier {
	return &Verifier{
		log:      log.With("component", "broker.verifier"),
		keys:     keys,
		replays:  replays,
		audience: audience,
		now:      time.Now,
	}
}

// Verify validates rawToken presented by the device holding devicePublicKey
// and returns its claims. All failures map onto the sentinel errors in
// common; the reason is logged, not returned to the caller.
func (v *Verifier) Verify(ctx context.Context, rawToken string, devicePublicKey []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(rawToken, claims,
		func(t *jwt.Token) (any, error) {
			iss, err := claims.GetIssuer()
			if err != nil || iss == "" {
				return nil, errors.New("token has no issuer")
			}
			return v.keys.ResolveKey(ctx, iss)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		v.log.Warn(ctx, "token rejected", "reason", err.Error())
		return nil, common.ErrInvalidToken
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	if !audienceContains(claims.Audience, v.audience) {
		v.log.Warn(ctx, "token rejected", "reason", "audience mismatch")
		return nil, common.ErrInvalidToken
	}

	if claims.VaultID == "" {
		v.log.Warn(ctx, "token rejected", "reason", "missing vault binding")
		return nil, common.ErrInvalidToken
	}

	// Proof of possession: the caller must hold the key the token names.
	if claims.Confirmation != keyFingerprint(devicePublicKey) {
		v.log.Warn(ctx, "token rejected", "reason", "proof of possession mismatch", "vault", claims.VaultID)
		return nil, common.ErrUnauthorized
	}

	// Single use. Tokens without a jti cannot be deduplicated, so they are
	// rejected outright.
	if claims.ID == "" {
		v.log.Warn(ctx, "token rejected", "reason", "missing jti")
		return nil, common.ErrInvalidToken
	}
	exp, _ := claims.GetExpirationTime()
	if err := v.replays.ConsumeJTI(ctx, claims.ID, exp.Time); err != nil {
		if errors.Is(err, common.ErrInvalidToken) {
			v.log.Warn(ctx, "token rejected", "reason", "replay", "jti", claims.ID)
			return nil, common.ErrInvalidToken
		}
		return nil, fmt.Errorf("consume jti: %w", err)
	}

	return claims, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// keyFingerprint is the cnf binding: hex SHA-256 of the device public key.
func keyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// KeyFingerprint is exported for token issuers that need to mint the cnf
// claim for a device.
func KeyFingerprint(publicKey []byte) string { return keyFingerprint(publicKey) }
