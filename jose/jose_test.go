package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestMintVerifyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	key := newKey(t)

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://app.example.com/oauth/client-metadata.json",
			Subject:   "https://app.example.com/oauth/client-metadata.json",
			Audience:  jwt.ClaimStrings{"https://bsky.social"},
			ID:        "a6a1a2b1-5b9a-4c5e-8d53-3f1f3b1c2d4e",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second)),
		},
		HTTPMethod:      "POST",
		HTTPURI:         "https://bsky.social/oauth/token",
		Nonce:           "server-nonce",
		AccessTokenHash: "fUHyO2r2Z3DZ53EsNrWBb0xWXoaNy59IiKCAqksmQEo",
	}

	token, err := Mint(key, Header{Algorithm: AlgES256, Type: "dpop+jwt", KeyID: "k1"}, claims)
	require.NoError(t, err)

	out, err := Verify(token, &key.PublicKey)
	require.NoError(t, err)

	assert.Equal(claims.Issuer, out.Issuer)
	assert.Equal(claims.Subject, out.Subject)
	assert.Equal(claims.Audience, out.Audience)
	assert.Equal(claims.ID, out.ID)
	assert.Equal(claims.IssuedAt.Unix(), out.IssuedAt.Unix())
	assert.Equal(claims.ExpiresAt.Unix(), out.ExpiresAt.Unix())
	assert.Equal(claims.HTTPMethod, out.HTTPMethod)
	assert.Equal(claims.HTTPURI, out.HTTPURI)
	assert.Equal(claims.Nonce, out.Nonce)
	assert.Equal(claims.AccessTokenHash, out.AccessTokenHash)
}

func TestVerifyRejectsEveryBitFlip(t *testing.T) {
	key := newKey(t)

	token, err := Mint(key, Header{Type: "JWT"}, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "issuer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	require.NoError(t, err)

	_, err = Verify(token, &key.PublicKey)
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := []byte(token)
			mutated[i] ^= 1 << bit

			_, err := Verify(string(mutated), &key.PublicKey)
			if !assert.Error(t, err, "byte %d bit %d", i, bit) {
				return
			}
		}
	}
}

func TestVerifyWrongKey(t *testing.T) {
	key := newKey(t)
	other := newKey(t)

	token, err := Mint(key, Header{}, Claims{})
	require.NoError(t, err)

	_, err = Verify(token, &other.PublicKey)
	assert.ErrorIs(t, err, ErrSignatureVerificationFailed)
}

func TestVerifyTimeBounds(t *testing.T) {
	assert := assert.New(t)
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	expired, err := Mint(key, Header{}, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Second))},
	})
	require.NoError(t, err)
	_, err = VerifyAt(expired, &key.PublicKey, clock)
	assert.ErrorIs(err, ErrTokenExpired)

	expiresNow, err := Mint(key, Header{}, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now)},
	})
	require.NoError(t, err)
	_, err = VerifyAt(expiresNow, &key.PublicKey, clock)
	assert.ErrorIs(err, ErrTokenExpired)

	early, err := Mint(key, Header{}, Claims{
		RegisteredClaims: jwt.RegisteredClaims{NotBefore: jwt.NewNumericDate(now.Add(time.Minute))},
	})
	require.NoError(t, err)
	_, err = VerifyAt(early, &key.PublicKey, clock)
	assert.ErrorIs(err, ErrTokenNotYetValid)

	valid, err := Mint(key, Header{}, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	require.NoError(t, err)
	_, err = VerifyAt(valid, &key.PublicKey, clock)
	assert.NoError(err)
}

func TestVerifyMalformed(t *testing.T) {
	assert := assert.New(t)
	key := newKey(t)

	_, err := Verify("only.two", &key.PublicKey)
	assert.ErrorIs(err, ErrInvalidTokenFormat)

	_, err = Verify("a.b.c.d", &key.PublicKey)
	assert.ErrorIs(err, ErrInvalidTokenFormat)

	_, err = Verify("!!!.e30.sig", &key.PublicKey)
	assert.ErrorIs(err, ErrInvalidHeader)

	// {"alg":"HS256","typ":"JWT"}
	_, err = Verify("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.e30.c2ln", &key.PublicKey)
	assert.ErrorIs(err, ErrUnsupportedAlgorithm)

	// {"alg":"ES256"} followed by a non-json claims segment
	_, err = Verify("eyJhbGciOiJFUzI1NiJ9.bm90LWpzb24.c2ln", &key.PublicKey)
	assert.ErrorIs(err, ErrInvalidClaims)
}

func TestMintRejectsOtherAlgorithms(t *testing.T) {
	_, err := Mint(newKey(t), Header{Algorithm: "RS256"}, Claims{})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = Mint(nil, Header{}, Claims{})
	assert.ErrorIs(t, err, ErrMissingKey)
}
