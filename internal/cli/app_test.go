package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenSource_PresentsDevicePublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  eyJ.token.value \n"), 0o600))

	pub := []byte("device-long-term-public-key")
	src := &fileTokenSource{path: path, devicePub: pub}

	token, gotPub, err := src.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eyJ.token.value", token)
	// The broker checks cnf against this key; without it every exchange
	// fails proof of possession.
	assert.Equal(t, pub, gotPub)
}

func TestFileTokenSource_EmptyOrMissingFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))

	src := &fileTokenSource{path: empty, devicePub: []byte("pk")}
	_, _, err := src.AccessToken(context.Background())
	require.Error(t, err)

	src = &fileTokenSource{path: filepath.Join(dir, "missing"), devicePub: []byte("pk")}
	_, _, err = src.AccessToken(context.Background())
	require.Error(t, err)
}
