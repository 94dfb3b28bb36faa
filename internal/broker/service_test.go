package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disnet/flint-note-sync/internal/common"
)

const (
	mib = int64(1024 * 1024)
	mb  = int64(1_000_000)
	gb  = 1000 * mb
)

func newService(t *testing.T, limit int64) (*Service, *tokenFixture, *MemoryStore) {
	t.Helper()
	f := newTokenFixture(t)
	svc := NewService(testLogger(), f.verifier, f.store, RandomMinter{}, Config{
		Audience:        testAudience,
		QuotaLimitBytes: limit,
		CredentialTTL:   30 * time.Minute,
	})
	return svc, f, f.store
}

func TestIssueCredentials_ScopedAndShortLived(t *testing.T) {
	svc, f, _ := newService(t, 1024*mib)
	ctx := context.Background()

	cred, quota, err := svc.IssueCredentials(ctx, IssueRequest{
		Token:           f.mint(t, nil),
		DevicePublicKey: f.devicePub,
		RequestedBytes:  5 * mib,
	})
	require.NoError(t, err)

	assert.Equal(t, ScopePrefix("vault-1"), cred.PathPrefix)
	assert.Equal(t, 5*mib, quota.UsedBytes)
	assert.Equal(t, 1024*mib, quota.LimitBytes)
	assert.NotEmpty(t, cred.AccessKeyID)
	assert.NotEmpty(t, cred.SecretAccessKey)
	assert.NotEmpty(t, cred.SessionToken)
	assert.False(t, cred.Expired(time.Now()))
	assert.LessOrEqual(t, time.Until(cred.ExpiresAt), MaxCredentialTTL)
}

func TestIssueCredentials_QuotaBoundary(t *testing.T) {
	svc, f, store := newService(t, gb)
	ctx := context.Background()

	// 990 MB of the 1 GB limit already accounted for this vault.
	_, err := store.Reserve(ctx, "vault-1", 990*mb, gb)
	require.NoError(t, err)

	// A 20 MB upload would land at 1010 MB: refused, and nothing reserved.
	_, _, err = svc.IssueCredentials(ctx, IssueRequest{
		Token:           f.mint(t, nil),
		DevicePublicKey: f.devicePub,
		RequestedBytes:  20 * mb,
	})
	assert.True(t, errors.Is(err, common.ErrQuotaExceeded))

	used, err := store.Usage(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, 990*mb, used)

	// Landing exactly on the limit is allowed, and the quota reflects it.
	_, quota, err := svc.IssueCredentials(ctx, IssueRequest{
		Token:           f.mint(t, nil),
		DevicePublicKey: f.devicePub,
		RequestedBytes:  10 * mb,
	})
	require.NoError(t, err)
	assert.Equal(t, gb, quota.UsedBytes)
	assert.Equal(t, gb, quota.LimitBytes)
	used, err = store.Usage(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, gb, used)
}

func TestIssueCredentials_InvalidTokenIssuesNothing(t *testing.T) {
	svc, f, store := newService(t, 1024*mib)
	ctx := context.Background()

	_, _, err := svc.IssueCredentials(ctx, IssueRequest{
		Token:           "garbage",
		DevicePublicKey: f.devicePub,
		RequestedBytes:  5 * mib,
	})
	assert.True(t, errors.Is(err, common.ErrInvalidToken))

	used, err := store.Usage(ctx, "vault-1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestIssueCredentials_ZeroBytesSkipsQuota(t *testing.T) {
	// Download-only syncs announce zero bytes and must work at full quota.
	svc, f, store := newService(t, 1024*mib)
	ctx := context.Background()
	_, err := store.Reserve(ctx, "vault-1", 1024*mib, 1024*mib)
	require.NoError(t, err)

	_, quota, err := svc.IssueCredentials(ctx, IssueRequest{
		Token:           f.mint(t, nil),
		DevicePublicKey: f.devicePub,
		RequestedBytes:  0,
	})
	require.NoError(t, err)
	assert.Equal(t, 1024*mib, quota.UsedBytes)
}

func TestNewService_ClampsTTL(t *testing.T) {
	f := newTokenFixture(t)
	svc := NewService(testLogger(), f.verifier, f.store, RandomMinter{}, Config{
		Audience:        testAudience,
		QuotaLimitBytes: mib,
		CredentialTTL:   6 * time.Hour,
	})
	assert.Equal(t, MaxCredentialTTL, svc.cfg.CredentialTTL)
}

func TestScopePrefix_StableAndOpaque(t *testing.T) {
	p1 := ScopePrefix("vault-1")
	p2 := ScopePrefix("vault-1")
	assert.Equal(t, p1, p2)
	assert.NotContains(t, p1, "vault-1")
	assert.NotEqual(t, p1, ScopePrefix("vault-2"))
}
