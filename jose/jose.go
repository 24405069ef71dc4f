// Package jose mints and verifies compact ES256 signed tokens. The same codec
// is used for DPoP proofs and for private_key_jwt client assertions.
package jose

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const AlgES256 = "ES256"

func init() {
	// single audiences go out as a plain string, which is what atproto
	// authorization servers expect for client assertions
	jwt.MarshalSingleStringAsArray = false
}

type Header struct {
	Algorithm  string         `json:"alg"`
	KeyID      string         `json:"kid,omitempty"`
	Type       string         `json:"typ,omitempty"`
	JSONWebKey map[string]any `json:"jwk,omitempty"`
}

type Claims struct {
	jwt.RegisteredClaims

	HTTPMethod      string `json:"htm,omitempty"`
	HTTPURI         string `json:"htu,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	AccessTokenHash string `json:"ath,omitempty"`
}

// Mint signs claims with key and returns the compact serialization. An empty
// header type keeps the default "JWT".
func Mint(key *ecdsa.PrivateKey, header Header, claims Claims) (string, error) {
	if key == nil {
		return "", ErrMissingKey
	}

	if header.Algorithm != "" && header.Algorithm != AlgES256 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, header.Algorithm)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	if header.Type != "" {
		token.Header["typ"] = header.Type
	}

	if header.KeyID != "" {
		token.Header["kid"] = header.KeyID
	}

	if header.JSONWebKey != nil {
		token.Header["jwk"] = header.JSONWebKey
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	return signed, nil
}

func Verify(token string, pub *ecdsa.PublicKey) (*Claims, error) {
	return VerifyAt(token, pub, time.Now)
}

// VerifyAt is Verify with an explicit clock used for the exp and nbf checks.
func VerifyAt(token string, pub *ecdsa.PublicKey, now func() time.Time) (*Claims, error) {
	if pub == nil {
		return nil, ErrMissingKey
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, ErrInvalidTokenFormat
	}

	var header Header
	if err := decodeSegment(segments[0], &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	if header.Algorithm != AlgES256 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, header.Algorithm)
	}

	var decoded Claims
	if err := decodeSegment(segments[1], &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgES256}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(now),
	)

	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return nil, translateError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

func translateError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %w", ErrTokenNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignatureVerificationFailed, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrInvalidTokenFormat, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	}
}

func decodeSegment(seg string, v any) error {
	b, err := base64.RawURLEncoding.Strict().DecodeString(seg)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, v)
}
