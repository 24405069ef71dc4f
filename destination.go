package oauth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type destinationClaims struct {
	Destination string `json:"d"`
	Nonce       string `json:"n"`
}

// SignDestination produces "{claims}.{signature}" carrying a post-login
// destination. The random nonce makes equal destinations produce different
// tokens.
func SignDestination(key *ecdsa.PrivateKey, destination string) (string, error) {
	b, err := json.Marshal(destinationClaims{
		Destination: destination,
		Nonce:       uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(b)

	sig, err := jwt.SigningMethodES256.Sign(encoded, key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMintTokenFailed, err)
	}

	return encoded + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ParseDestination checks the signature of a token made by SignDestination
// and returns the destination.
func ParseDestination(token string, pub *ecdsa.PublicKey) (string, error) {
	encoded, encodedSig, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(encodedSig, ".") {
		return "", ErrInvalidDestination
	}

	sig, err := base64.RawURLEncoding.Strict().DecodeString(encodedSig)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	if err := jwt.SigningMethodES256.Verify(encoded, sig, pub); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	b, err := base64.RawURLEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	var claims destinationClaims
	if err := json.Unmarshal(b, &claims); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}

	return claims.Destination, nil
}
