package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/custody/internal/core"
)

var fastKDF = WithKDF(KDFParams{Memory: 1024, Iterations: 1, Parallelism: 1})

func TestOpenMissingFileCreatesEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jks")

	s, err := Open(path, "secret", fastKDF)
	require.NoError(t, err)
	assert.Empty(t, s.Aliases())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "store must not be written before Save")
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.jks")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := Open(path, "secret", fastKDF)
	require.NoError(t, err)
	require.NoError(t, s.SetPrivateKey("device-a", priv))
	require.NoError(t, s.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded, err := Open(path, "secret")
	require.NoError(t, err)
	assert.Equal(t, []string{"device-a"}, reloaded.Aliases())

	got, ok, err := reloaded.PrivateKey("device-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, priv, got)

	_, ok, err = reloaded.PrivateKey("device-b")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestWrongPasswordIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jks")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := Open(path, "secret", fastKDF)
	require.NoError(t, err)
	require.NoError(t, s.SetPrivateKey("device-a", priv))
	require.NoError(t, s.Save())

	_, err = Open(path, "wrong")
	assert.ErrorIs(t, err, core.ErrKeyStoreLocked)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jks")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := Open(path, "secret")
	assert.Error(t, err)
}

func TestPlaintextNotOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jks")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := Open(path, "secret", fastKDF)
	require.NoError(t, err)
	require.NoError(t, s.SetPrivateKey("device-a", priv))
	require.NoError(t, s.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "device-a")
}
