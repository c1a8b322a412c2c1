package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/custody/internal/core"
	"firestige.xyz/custody/internal/keystore"
)

func openStore(t *testing.T, path string) *keystore.Store {
	t.Helper()
	s, err := keystore.Open(path, "pw", keystore.WithKDF(keystore.KDFParams{Memory: 1024, Iterations: 1, Parallelism: 1}))
	require.NoError(t, err)
	return s
}

func TestOpenRequiresIdentity(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "keys.jks"))

	_, err := Open(s, "")
	assert.ErrorIs(t, err, core.ErrMissingIdentity)
}

func TestOpenCreatesThenLoadsSameKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.jks")

	first, err := Open(openStore(t, path), "0b1a5f1e-2c3d-4e5f-8a9b-0c1d2e3f4a5b")
	require.NoError(t, err)
	require.Len(t, first.PublicKey(), ed25519.PublicKeySize)

	second, err := Open(openStore(t, path), "0b1a5f1e-2c3d-4e5f-8a9b-0c1d2e3f4a5b")
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	msg := []byte("hello")
	assert.True(t, ed25519.Verify(first.PublicKey(), msg, second.Sign(msg)))
}

func TestEnsureKeyPairOtherIdentityKeepsActiveKey(t *testing.T) {
	m, err := Open(openStore(t, filepath.Join(t.TempDir(), "keys.jks")), "gateway")
	require.NoError(t, err)
	own := m.PublicKey()

	other, err := m.EnsureKeyPair("sensor")
	require.NoError(t, err)
	assert.NotEqual(t, own, other)
	assert.Equal(t, own, m.PublicKey())

	again, err := m.EnsureKeyPair("sensor")
	require.NoError(t, err)
	assert.Equal(t, other, again)
}

func TestPackKeyRegistration(t *testing.T) {
	m, err := Open(openStore(t, filepath.Join(t.TempDir(), "keys.jks")), "gateway")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	reg, err := m.PackKeyRegistration(now)
	require.NoError(t, err)

	info := reg.PubKeyInfo
	assert.Equal(t, "ECC_ED25519", info.Algorithm)
	assert.Equal(t, "2026-03-01T12:30:45.123Z", info.Created)
	assert.Equal(t, info.Created, info.ValidNotBefore)
	assert.Equal(t, "2027-03-01T12:30:45.123Z", info.ValidNotAfter)
	assert.Equal(t, "gateway", info.HwDeviceID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(m.PublicKey()), info.PubKey)

	canonical, err := Canonical(info)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(reg.Signature)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(m.PublicKey(), canonical, sig))
}

func TestCanonicalSortsKeysWithoutWhitespace(t *testing.T) {
	out, err := Canonical(map[string]interface{}{
		"zeta":  1,
		"alpha": "a<b",
		"mid":   []int{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a<b","mid":[1,2],"zeta":1}`, string(out))

	var back map[string]interface{}
	assert.NoError(t, json.Unmarshal(out, &back))
}
