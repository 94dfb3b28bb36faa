package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disnet/flint-note-sync/internal/broker"
	"github.com/disnet/flint-note-sync/internal/common"
)

// fakeTokens hands out a distinct token per call, mimicking single-use
// access tokens.
type fakeTokens struct {
	calls atomic.Int64
}

func (f *fakeTokens) AccessToken(context.Context) (string, []byte, error) {
	n := f.calls.Add(1)
	return "token-" + string(rune('a'+n-1)), []byte("device-public-key"), nil
}

func fakeBroker(t *testing.T, ttl time.Duration, status int) (*BrokerClient, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/v1/credentials", r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(broker.IssueResponse{
			Credential: &broker.Credential{
				AccessKeyID:     "FNSTEST",
				SecretAccessKey: "secret",
				SessionToken:    "session",
				PathPrefix:      "v1/abcd",
				ExpiresAt:       time.Now().Add(ttl),
			},
			Quota: broker.Quota{UsedBytes: 0, LimitBytes: 1_000_000_000},
		})
	}))
	t.Cleanup(srv.Close)
	return NewBrokerClient(srv.URL, srv.Client()), &hits
}

func TestRefreshingSource_CachesUntilNearExpiry(t *testing.T) {
	client, hits := fakeBroker(t, time.Hour, http.StatusOK)
	src := NewRefreshingSource(client, &fakeTokens{})
	ctx := context.Background()

	c1, err := src.Credentials(ctx)
	require.NoError(t, err)
	c2, err := src.Credentials(ctx)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRefreshingSource_RefreshesNearExpiry(t *testing.T) {
	// Credential lives less than the early-refresh margin: every call
	// re-exchanges.
	client, hits := fakeBroker(t, time.Minute, http.StatusOK)
	src := NewRefreshingSource(client, &fakeTokens{})
	ctx := context.Background()

	_, err := src.Credentials(ctx)
	require.NoError(t, err)
	_, err = src.Credentials(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRefreshingSource_Invalidate(t *testing.T) {
	client, hits := fakeBroker(t, time.Hour, http.StatusOK)
	src := NewRefreshingSource(client, &fakeTokens{})
	ctx := context.Background()

	_, err := src.Credentials(ctx)
	require.NoError(t, err)
	src.Invalidate()
	_, err = src.Credentials(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestBrokerClient_ErrorMapping(t *testing.T) {
	ctx := context.Background()

	unauth, _ := fakeBroker(t, 0, http.StatusUnauthorized)
	_, err := unauth.IssueCredentials(ctx, "t", []byte("pk"), 0)
	assert.True(t, errors.Is(err, common.ErrInvalidToken))

	quota, _ := fakeBroker(t, 0, http.StatusForbidden)
	_, err = quota.IssueCredentials(ctx, "t", []byte("pk"), 1024)
	assert.True(t, errors.Is(err, common.ErrQuotaExceeded))

	boom, _ := fakeBroker(t, 0, http.StatusInternalServerError)
	_, err = boom.IssueCredentials(ctx, "t", []byte("pk"), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, common.ErrInvalidToken))
}

func TestMemoryObjectStore_Basics(t *testing.T) {
	s := NewMemoryObjectStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	require.NoError(t, s.Put(ctx, "p/a", []byte("1")))
	require.NoError(t, s.Put(ctx, "p/b", []byte("2")))
	require.NoError(t, s.Put(ctx, "q/c", []byte("3")))

	keys, err := s.List(ctx, "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)

	require.NoError(t, s.Delete(ctx, "p/a"))
	require.NoError(t, s.Delete(ctx, "p/a"))
	_, err = s.Get(ctx, "p/a")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// Stored bytes are copies: mutating the caller's slice changes nothing.
	data := []byte("mutable")
	require.NoError(t, s.Put(ctx, "copy", data))
	data[0] = 'X'
	got, err := s.Get(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)
}
