package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disnet/flint-note-sync/internal/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocuments_SaveLoadDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, "doc-1", []byte("ciphertext-1"), true))
	require.NoError(t, s.SaveDocument(ctx, "doc-2", []byte("ciphertext-2"), false))

	docs, err := s.LoadDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-1", docs[0].ID)
	assert.True(t, docs[0].Pending)
	assert.Equal(t, []byte("ciphertext-1"), docs[0].State)
	assert.False(t, docs[1].Pending)

	// Upsert replaces state and pending flag.
	require.NoError(t, s.SaveDocument(ctx, "doc-1", []byte("newer"), false))
	docs, err = s.LoadDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), docs[0].State)
	assert.False(t, docs[0].Pending)

	require.NoError(t, s.DeleteDocument(ctx, "doc-2"))
	require.NoError(t, s.DeleteDocument(ctx, "doc-2"))
	docs, err = s.LoadDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDocuments_MarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, "doc", []byte("x"), true))
	require.NoError(t, s.MarkSynced(ctx, "doc"))

	docs, err := s.LoadDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.False(t, docs[0].Pending)
	assert.Equal(t, []byte("x"), docs[0].State)
}

func TestKV_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetKV(ctx, KeyVaultIdentity)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	require.NoError(t, s.PutKV(ctx, KeyVaultIdentity, []byte(`{"vaultId":"v"}`)))
	got, err := s.GetKV(ctx, KeyVaultIdentity)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"vaultId":"v"}`), got)

	require.NoError(t, s.PutKV(ctx, KeyVaultIdentity, []byte("updated")))
	got, err = s.GetKV(ctx, KeyVaultIdentity)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), got)

	require.NoError(t, s.DeleteKV(ctx, KeyVaultIdentity))
	_, err = s.GetKV(ctx, KeyVaultIdentity)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestReplaceAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, "old-1", []byte("a"), false))
	require.NoError(t, s.SaveDocument(ctx, "old-2", []byte("b"), true))

	require.NoError(t, s.ReplaceAll(ctx, []StoredDocument{
		{ID: "new-1", State: []byte("re-encrypted-1"), Pending: true},
		{ID: "new-2", State: []byte("re-encrypted-2"), Pending: true},
	}))

	docs, err := s.LoadDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "new-1", docs[0].ID)
	assert.Equal(t, "new-2", docs[1].ID)
}

func TestOpen_Reopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, "doc", []byte("persisted"), true))
	require.NoError(t, s.Close())

	// Migrations are idempotent; data survives reopen.
	s, err = Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	docs, err := s.LoadDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []byte("persisted"), docs[0].State)
	assert.True(t, docs[0].Pending)
}
