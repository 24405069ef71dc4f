package oauth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haileyok/atproto-oauth-refresher/jose"
)

func TestGenerateKey(t *testing.T) {
	assert := assert.New(t)

	prefix := "demo"
	key, err := GenerateKey(&prefix)
	require.NoError(t, err)
	assert.Contains(key.KeyID(), "demo-")

	b, err := json.Marshal(key)
	require.NoError(t, err)

	parsed, err := ParseDpopKey(string(b))
	require.NoError(t, err)
	assert.Equal(key.KeyID(), parsed.KeyID())

	pub, err := key.PublicKey()
	require.NoError(t, err)
	pb, err := json.Marshal(pub)
	require.NoError(t, err)

	_, err = ParseDpopKey(string(pb))
	assert.ErrorIs(err, ErrInvalidDpopKey)
}

func writeJwks(t *testing.T, kids ...string) []byte {
	set := jwk.NewSet()
	for _, kid := range kids {
		key, err := GenerateKey(nil)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, set.AddKey(key))
	}

	b, err := json.Marshal(set)
	require.NoError(t, err)
	return b
}

func TestLoadKeyRing(t *testing.T) {
	assert := assert.New(t)
	b := writeJwks(t, "k1", "k2", "k3")

	path := filepath.Join(t.TempDir(), "jwks.json")
	require.NoError(t, os.WriteFile(path, b, 0600))

	ring, err := LoadKeyRing(path, "k1; k2")
	require.NoError(t, err)

	// inactive keys still resolve
	_, err = ring.Lookup("k3")
	assert.NoError(err)

	for i := 0; i < 20; i++ {
		kid, key, err := ring.SelectKey()
		require.NoError(t, err)
		assert.Contains([]string{"k1", "k2"}, kid)
		assert.NotNil(key)
	}

	fromBase64, err := LoadKeyRing(base64.StdEncoding.EncodeToString(b), "k3")
	require.NoError(t, err)
	kid, _, err := fromBase64.Fixed("k3").SelectKey()
	require.NoError(t, err)
	assert.Equal("k3", kid)

	_, _, err = fromBase64.Fixed("nope").SelectKey()
	assert.ErrorIs(err, ErrClientKeyNotFound)

	_, err = LoadKeyRing(path, "k9")
	assert.ErrorIs(err, ErrClientKeyNotFound)

	_, err = LoadKeyRing(path, "")
	assert.ErrorIs(err, ErrNoActiveKeys)
}

func TestPublicJwks(t *testing.T) {
	assert := assert.New(t)
	ring := newTestKeyRing(t, "k1", "k2")

	pub, err := ring.PublicJwks()
	require.NoError(t, err)
	assert.Equal(2, pub.Len())

	b, err := json.Marshal(pub)
	require.NoError(t, err)
	assert.NotContains(string(b), `"d":`)

	// assertions signed by the ring verify against the published keys
	k1, ok := pub.LookupKeyID("k1")
	require.True(t, ok)
	pubKey, err := getPublicKey(k1)
	require.NoError(t, err)

	client := newTestClient(t, newTestKeyRing(t, "client-1"))
	priv, err := ring.Lookup("k1")
	require.NoError(t, err)
	token, err := client.ClientAssertionJwt("k1", priv, "https://bsky.social")
	require.NoError(t, err)

	_, err = jose.Verify(token, pubKey)
	assert.NoError(err)
}
