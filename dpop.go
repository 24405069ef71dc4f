package oauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/haileyok/atproto-oauth-refresher/internal/helpers"
	"github.com/haileyok/atproto-oauth-refresher/jose"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	dpopProofLifetime = 30 * time.Second
	dpopNonceError    = "use_dpop_nonce"
)

// DpopProof describes a proof bound to one method and url. Each call to Mint
// produces a new token with a fresh jti.
type DpopProof struct {
	key    *ecdsa.PrivateKey
	pubJwk map[string]any
	method string
	url    string
	ath    string
	nonce  string
	now    func() time.Time
}

func NewDpopProof(privateJwk jwk.Key, method, url string) (*DpopProof, error) {
	key, err := getPrivateKey(privateJwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDpopKey, err)
	}

	pubJwk, err := publicJwkMap(privateJwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDpopKey, err)
	}

	return &DpopProof{
		key:    key,
		pubJwk: pubJwk,
		method: method,
		url:    url,
		now:    time.Now,
	}, nil
}

// WithAccessToken binds the proof to a bearer token through the ath claim.
func (p *DpopProof) WithAccessToken(accessToken string) *DpopProof {
	cp := *p
	cp.ath = helpers.S256(accessToken)
	return &cp
}

func (p *DpopProof) WithNonce(nonce string) *DpopProof {
	cp := *p
	cp.nonce = nonce
	return &cp
}

func (p *DpopProof) Nonce() string {
	return p.nonce
}

func (p *DpopProof) Mint() (string, error) {
	now := p.now()

	claims := jose.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(dpopProofLifetime)),
		},
		HTTPMethod:      p.method,
		HTTPURI:         p.url,
		Nonce:           p.nonce,
		AccessTokenHash: p.ath,
	}

	header := jose.Header{
		Algorithm:  jose.AlgES256,
		Type:       "dpop+jwt",
		JSONWebKey: p.pubJwk,
	}

	token, err := jose.Mint(p.key, header, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMintTokenFailed, err)
	}

	return token, nil
}

// requestBuilder returns a new request for every attempt so bodies can be resent.
type requestBuilder func(ctx context.Context) (*http.Request, error)

func formRequest(method, url string, body []byte) requestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
}

func dpopAttempt(ctx context.Context, h *http.Client, build requestBuilder, proof *DpopProof) (*http.Response, error) {
	token, err := proof.Mint()
	if err != nil {
		return nil, err
	}

	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("DPoP", token)

	return h.Do(req)
}

// checkDpopNonce inspects a response. A nil proof and nil error means the
// response should be handed to the caller. A non-nil proof means the server
// issued a nonce challenge and the request should be retried with it. The
// response body is consumed and closed whenever a proof or error is returned.
func checkDpopNonce(resp *http.Response, proof *DpopProof) (*DpopProof, error) {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return nil, nil
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnableToParseSimpleError, err)
	}

	var simple SimpleError
	if err := json.Unmarshal(b, &simple); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnableToParseSimpleError, err)
	}

	if simple.Error != dpopNonceError {
		return nil, &UnexpectedError{StatusCode: resp.StatusCode, Body: simple}
	}

	nonce := resp.Header.Get("DPoP-Nonce")
	if nonce == "" {
		return nil, ErrMissingDpopNonce
	}

	return proof.WithNonce(nonce), nil
}

// doWithDpop sends build with a proof, and retries exactly once if the server
// answers with a nonce challenge. A second challenge is returned as
// ErrDpopNonceRetryExhausted.
func doWithDpop(ctx context.Context, h *http.Client, build requestBuilder, proof *DpopProof) (*http.Response, error) {
	resp, err := dpopAttempt(ctx, h, build, proof)
	if err != nil {
		return nil, err
	}

	retry, err := checkDpopNonce(resp, proof)
	if err != nil {
		return nil, err
	}

	if retry == nil {
		return resp, nil
	}

	return retryWithDpop(ctx, h, build, retry)
}

func retryWithDpop(ctx context.Context, h *http.Client, build requestBuilder, proof *DpopProof) (*http.Response, error) {
	resp, err := dpopAttempt(ctx, h, build, proof)
	if err != nil {
		return nil, err
	}

	again, err := checkDpopNonce(resp, proof)
	if err != nil {
		return nil, err
	}

	if again != nil {
		return nil, ErrDpopNonceRetryExhausted
	}

	return resp, nil
}
