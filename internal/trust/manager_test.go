package trust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/logging"
	"github.com/disnet/flint-note-sync/internal/vault"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testClock is a shared, settable time source for expiry tests.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time         { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func bootstrapPair(t *testing.T) (*Manager, *Manager, *MemoryExchange, *testClock) {
	t.Helper()
	ctx := context.Background()
	ex := NewMemoryExchange()
	clock := newTestClock()

	a, err := NewManager(testLogger(), ex, "laptop", WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, a.CreateVault(ctx))

	b, err := NewManager(testLogger(), ex, "phone", WithClock(clock.now))
	require.NoError(t, err)
	return a, b, ex, clock
}

func join(t *testing.T, a, b *Manager) {
	t.Helper()
	ctx := context.Background()
	code, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ApproveDevice(ctx, code))
	done, err := b.CompleteAuthorization(ctx)
	require.NoError(t, err)
	require.True(t, done)
}

func TestJoinFlow_SecondDeviceDecryptsFirstDevicesData(t *testing.T) {
	a, b, _, _ := bootstrapPair(t)
	ctx := context.Background()

	ct, err := a.Session().Encrypt([]byte("written before phone existed"))
	require.NoError(t, err)

	code, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, AwaitingAuthorization, b.State())

	// Nothing granted yet: polling reports not-done without error.
	done, err := b.CompleteAuthorization(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, a.ApproveDevice(ctx, code))
	done, err = b.CompleteAuthorization(ctx)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, Authorized, b.State())

	pt, err := b.Session().Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("written before phone existed"), pt)

	// Both registries list both devices.
	require.Len(t, a.Identity().Devices, 2)
	require.Len(t, b.Identity().Devices, 2)
	assert.Equal(t, a.Identity().VaultID, b.Identity().VaultID)
}

func TestJoinFlow_ExchangeObserverCannotRecoverVaultKey(t *testing.T) {
	a, b, ex, _ := bootstrapPair(t)
	ctx := context.Background()

	code, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)

	// The eavesdropper records everything that crosses the exchange.
	reqs, err := ex.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	captured := reqs[0]

	require.NoError(t, a.ApproveDevice(ctx, code))
	ex.mu.Lock()
	grant := ex.grants["phone"]
	ex.mu.Unlock()
	require.NotNil(t, grant)

	// Public material alone does not unwrap the vault key. The observer's
	// best move is deriving a "shared" key from the two public keys.
	attacker, err := NewKeyPair()
	require.NoError(t, err)
	for _, pub := range [][]byte{captured.EphemeralPublicKey, captured.LongTermPublicKey, grant.AuthorizerPublicKey} {
		wk, err := attacker.SharedWrapKey(pub)
		require.NoError(t, err)
		_, err = vault.UnwrapKey(wk, grant.WrappedVaultKey)
		assert.True(t, errors.Is(err, common.ErrAuthenticationFailure))
	}

	// The legitimate requester still succeeds.
	done, err := b.CompleteAuthorization(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestGrant_ConsumedExactlyOnce(t *testing.T) {
	a, b, ex, _ := bootstrapPair(t)
	ctx := context.Background()

	code, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ApproveDevice(ctx, code))

	ex.mu.Lock()
	replay := *ex.grants["phone"]
	ex.mu.Unlock()

	done, err := b.CompleteAuthorization(ctx)
	require.NoError(t, err)
	require.True(t, done)

	// Republishing the captured grant is a replay: rejected outright, and
	// even if it slipped through it could not be taken again.
	err = ex.PublishGrant(ctx, &replay)
	assert.True(t, errors.Is(err, common.ErrGrantConsumed))
	_, err = ex.TakeGrant(ctx, "phone")
	require.Error(t, err)
}

func TestRequest_ExpiresAfterTTL(t *testing.T) {
	a, b, _, clock := bootstrapPair(t)
	ctx := context.Background()

	code, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)

	clock.advance(RequestTTL + time.Second)

	err = a.ApproveDevice(ctx, code)
	assert.True(t, errors.Is(err, common.ErrRequestExpired))

	_, err = b.CompleteAuthorization(ctx)
	assert.True(t, errors.Is(err, common.ErrRequestExpired))
	assert.Equal(t, Unbootstrapped, b.State())
}

func TestApproveDevice_WrongCode(t *testing.T) {
	a, b, _, _ := bootstrapPair(t)
	ctx := context.Background()

	_, err := b.RequestAuthorization(ctx)
	require.NoError(t, err)

	err = a.ApproveDevice(ctx, "ZZZZZZ")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestApproveDevice_RequiresAuthorization(t *testing.T) {
	ex := NewMemoryExchange()
	m, err := NewManager(testLogger(), ex, "stranger")
	require.NoError(t, err)

	err = m.ApproveDevice(context.Background(), "ABCDEF")
	assert.True(t, errors.Is(err, common.ErrDeviceNotAuthorized))
}

func TestRevokeDevice(t *testing.T) {
	a, b, _, _ := bootstrapPair(t)
	ctx := context.Background()
	join(t, a, b)

	require.NoError(t, a.RevokeDevice(ctx, "phone"))
	assert.Len(t, a.Identity().Devices, 1)

	err := a.RevokeDevice(ctx, "phone")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	err = a.RevokeDevice(ctx, "laptop")
	require.Error(t, err) // cannot revoke self
}

func TestRotateVaultKey(t *testing.T) {
	a, b, _, _ := bootstrapPair(t)
	ctx := context.Background()
	join(t, a, b)

	oldCT, err := a.Session().Encrypt([]byte("pre-rotation"))
	require.NoError(t, err)

	old, err := a.RotateVaultKey(ctx)
	require.NoError(t, err)
	defer old.Close()

	// Old ciphertext opens only under the old session now.
	_, err = a.Session().Decrypt(oldCT)
	assert.True(t, errors.Is(err, common.ErrAuthenticationFailure))
	pt, err := old.Decrypt(oldCT)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), pt)

	// The other device picks up the rekey grant and converges on the new key.
	done, err := b.RefreshKey(ctx)
	require.NoError(t, err)
	require.True(t, done)

	newCT, err := a.Session().Encrypt([]byte("post-rotation"))
	require.NoError(t, err)
	pt, err = b.Session().Decrypt(newCT)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rotation"), pt)
}

func TestPasswordBackup_RecoverRoundTrip(t *testing.T) {
	a, _, _, _ := bootstrapPair(t)

	ct, err := a.Session().Encrypt([]byte("backed up note"))
	require.NoError(t, err)

	backup, err := a.EnablePasswordBackup([]byte("hunter2 but longer"))
	require.NoError(t, err)

	fresh, err := NewManager(testLogger(), NewMemoryExchange(), "replacement")
	require.NoError(t, err)
	require.NoError(t, fresh.RecoverFromBackup(a.Identity().VaultID, []byte("hunter2 but longer"), backup))
	assert.Equal(t, Authorized, fresh.State())

	pt, err := fresh.Session().Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("backed up note"), pt)
}

func TestPasswordBackup_WrongPasswordAndCorruptBlobIndistinguishable(t *testing.T) {
	a, _, _, _ := bootstrapPair(t)

	backup, err := a.EnablePasswordBackup([]byte("right password"))
	require.NoError(t, err)

	fresh, err := NewManager(testLogger(), NewMemoryExchange(), "replacement")
	require.NoError(t, err)

	err = fresh.RecoverFromBackup("v", []byte("wrong password"), backup)
	require.Error(t, err)
	wrongPw := err

	corrupt := &Backup{Salt: backup.Salt, Wrapped: append([]byte(nil), backup.Wrapped...)}
	corrupt.Wrapped[len(corrupt.Wrapped)/2] ^= 0xFF
	err = fresh.RecoverFromBackup("v", []byte("right password"), corrupt)
	require.Error(t, err)
	corruptBlob := err

	// One sentinel for both failure modes: no password oracle.
	assert.True(t, errors.Is(wrongPw, common.ErrIncorrectPasswordOrCorruptBackup))
	assert.True(t, errors.Is(corruptBlob, common.ErrIncorrectPasswordOrCorruptBackup))
	assert.Equal(t, wrongPw.Error(), corruptBlob.Error())
}

func TestCode_StableAndWellFormed(t *testing.T) {
	req := &AuthorizationRequest{
		DeviceID:           "phone",
		EphemeralPublicKey: make([]byte, 32),
		LongTermPublicKey:  make([]byte, 32),
		Timestamp:          time.Unix(1700000000, 0),
	}
	c1 := req.Code()
	c2 := req.Code()
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, 6)
	for _, r := range c1 {
		assert.Contains(t, codeAlphabet, string(r))
	}

	// Any field change moves the code.
	other := *req
	other.DeviceID = "tablet"
	assert.NotEqual(t, c1, other.Code())
}

func TestLogout(t *testing.T) {
	a, _, _, _ := bootstrapPair(t)
	s := a.Session()
	a.Logout()
	assert.Equal(t, Unbootstrapped, a.State())
	assert.Nil(t, a.Session())
	_, err := s.Encrypt([]byte("x"))
	require.Error(t, err)
}
