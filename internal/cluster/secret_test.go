package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSecret_GeneratesAndReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wq-password")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, 32, "hex-encoded 16 byte token")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "restart reuses the persisted secret")
}

func TestLoadOrCreateSecret_ExistingFileWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wq-password")
	require.NoError(t, os.WriteFile(path, []byte("pre-shared-token\n"), 0o600))

	secret, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, "pre-shared-token", secret)
}

func TestLoadOrCreateSecret_EmptyFileRegenerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wq-password")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	secret, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}
