package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomMinter_MintShape(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute)
	cred, err := RandomMinter{}.Mint("v1/abc", expires)
	require.NoError(t, err)

	assert.True(t, len(cred.AccessKeyID) > 3 && cred.AccessKeyID[:3] == "FNS")
	assert.Len(t, cred.SecretAccessKey, 40)
	assert.Len(t, cred.SessionToken, 64)
	assert.Equal(t, "v1/abc", cred.PathPrefix)
	assert.Equal(t, expires, cred.ExpiresAt)
	assert.False(t, cred.Expired(time.Now()))
	assert.True(t, cred.Expired(expires))
}

func TestRandomMinter_CredentialsDiffer(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	a, err := RandomMinter{}.Mint("v1/abc", expires)
	require.NoError(t, err)
	b, err := RandomMinter{}.Mint("v1/abc", expires)
	require.NoError(t, err)
	assert.NotEqual(t, a.SecretAccessKey, b.SecretAccessKey)
	assert.NotEqual(t, a.SessionToken, b.SessionToken)
}
