package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/logging"
)

const (
	testIssuer   = "https://login.example.com"
	testAudience = "flint-broker"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type tokenFixture struct {
	verifier  *Verifier
	store     *MemoryStore
	signKey   ed25519.PrivateKey
	devicePub []byte
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	resolver := NewStaticKeyResolver()
	resolver.Add(testIssuer, pub)

	devicePub := make([]byte, 32)
	_, err = rand.Read(devicePub)
	require.NoError(t, err)

	store := NewMemoryStore()
	return &tokenFixture{
		verifier:  NewVerifier(testLogger(), resolver, store, testAudience),
		store:     store,
		signKey:   priv,
		devicePub: devicePub,
	}
}

type tokenOpts struct {
	issuer   string
	audience string
	vaultID  string
	cnf      string
	jti      string
	expires  time.Time
	method   jwt.SigningMethod
	signKey  any
}

func (f *tokenFixture) mint(t *testing.T, mod func(*tokenOpts)) string {
	t.Helper()
	o := tokenOpts{
		issuer:   testIssuer,
		audience: testAudience,
		vaultID:  "vault-1",
		cnf:      KeyFingerprint(f.devicePub),
		jti:      uuid.NewString(),
		expires:  time.Now().Add(5 * time.Minute),
		method:   jwt.SigningMethodEdDSA,
		signKey:  f.signKey,
	}
	if mod != nil {
		mod(&o)
	}
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    o.issuer,
			Audience:  jwt.ClaimStrings{o.audience},
			ExpiresAt: jwt.NewNumericDate(o.expires),
			ID:        o.jti,
		},
		VaultID:      o.vaultID,
		Confirmation: o.cnf,
	}
	s, err := jwt.NewWithClaims(o.method, claims).SignedString(o.signKey)
	require.NoError(t, err)
	return s
}

func TestVerify_ValidToken(t *testing.T) {
	f := newTokenFixture(t)
	claims, err := f.verifier.Verify(context.Background(), f.mint(t, nil), f.devicePub)
	require.NoError(t, err)
	assert.Equal(t, "vault-1", claims.VaultID)
}

func TestVerify_WrongSigningKey(t *testing.T) {
	f := newTokenFixture(t)
	_, rogue, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok := f.mint(t, func(o *tokenOpts) { o.signKey = rogue })
	_, err = f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_UnknownIssuer(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, func(o *tokenOpts) { o.issuer = "https://rogue.example.com" })
	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_WrongAudience(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, func(o *tokenOpts) { o.audience = "some-other-service" })
	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_Expired(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, func(o *tokenOpts) { o.expires = time.Now().Add(-time.Minute) })
	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrTokenExpired))
}

func TestVerify_ProofOfPossessionMismatch(t *testing.T) {
	f := newTokenFixture(t)
	otherDevice := make([]byte, 32)
	_, err := rand.Read(otherDevice)
	require.NoError(t, err)

	// Token bound to our device, presented with a different key.
	_, err = f.verifier.Verify(context.Background(), f.mint(t, nil), otherDevice)
	assert.True(t, errors.Is(err, common.ErrUnauthorized))
}

func TestVerify_ReplayRejected(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, nil)

	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_MissingJTI(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, func(o *tokenOpts) { o.jti = "" })
	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_RejectsNonEdDSA(t *testing.T) {
	f := newTokenFixture(t)
	tok := f.mint(t, func(o *tokenOpts) {
		o.method = jwt.SigningMethodHS256
		o.signKey = []byte("shared secret")
	})
	_, err := f.verifier.Verify(context.Background(), tok, f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}

func TestVerify_Garbage(t *testing.T) {
	f := newTokenFixture(t)
	_, err := f.verifier.Verify(context.Background(), "not.a.token", f.devicePub)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))
}
