package oauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/haileyok/atproto-oauth-refresher/internal/helpers"
	"github.com/haileyok/atproto-oauth-refresher/jose"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const DefaultTimeout = 8 * time.Second

type Client struct {
	h             *http.Client
	keys          *KeyRing
	selector      KeySelector
	clientId      string
	redirectUri   string
	scope         string
	allowInsecure bool
}

type ClientArgs struct {
	H           *http.Client
	Keys        *KeyRing
	Selector    KeySelector
	ClientId    string
	RedirectUri string
	Scope       string
	// AllowInsecureUrls accepts http urls and explicit ports for every
	// endpoint. Only meant for local development and tests.
	AllowInsecureUrls bool
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.Keys == nil {
		return nil, ErrNoClientKeys
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: DefaultTimeout,
		}
	}

	if args.Selector == nil {
		args.Selector = args.Keys
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	return &Client{
		h:             args.H,
		keys:          args.Keys,
		selector:      args.Selector,
		clientId:      args.ClientId,
		redirectUri:   args.RedirectUri,
		scope:         args.Scope,
		allowInsecure: args.AllowInsecureUrls,
	}, nil
}

func (c *Client) ClientId() string {
	return c.clientId
}

func (c *Client) Keys() *KeyRing {
	return c.keys
}

// PdsResources discovers and validates the authorization server for pds.
func (c *Client) PdsResources(ctx context.Context, pds string) (*OauthProtectedResource, *OauthAuthorizationMetadata, error) {
	authServer, resource, err := c.resolvePdsAuthServer(ctx, pds)
	if err != nil {
		return nil, nil, err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authServer)
	if err != nil {
		return nil, nil, err
	}

	return resource, meta, nil
}

func (c *Client) ResolvePdsAuthServer(ctx context.Context, pds string) (string, error) {
	authServer, _, err := c.resolvePdsAuthServer(ctx, pds)
	return authServer, err
}

func (c *Client) resolvePdsAuthServer(ctx context.Context, pds string) (string, *OauthProtectedResource, error) {
	u, err := c.safeUrl(pds)
	if err != nil {
		return "", nil, err
	}

	u.Path = "/.well-known/oauth-protected-resource"

	b, err := c.getJson(ctx, u.String())
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrResourceRequestFailed, err)
	}

	var resource OauthProtectedResource
	if err := resource.UnmarshalJSON(b); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedResourceResponse, err)
	}

	if err := resource.Validate(pds); err != nil {
		return "", nil, err
	}

	return resource.AuthorizationServers[0], &resource, nil
}

func (c *Client) FetchAuthServerMetadata(ctx context.Context, server string) (*OauthAuthorizationMetadata, error) {
	u, err := c.safeUrl(server)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"

	b, err := c.getJson(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthServerRequestFailed, err)
	}

	var metadata OauthAuthorizationMetadata
	if err := metadata.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAuthServerResponse, err)
	}

	if err := metadata.Validate(server); err != nil {
		return nil, err
	}

	return &metadata, nil
}

func (c *Client) getJson(ctx context.Context, ustr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("received non-200 response. code was %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ClientAssertionJwt mints the private_key_jwt client assertion for aud.
func (c *Client) ClientAssertionJwt(kid string, key *ecdsa.PrivateKey, aud string) (string, error) {
	claims := jose.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.clientId,
			Subject:  c.clientId,
			Audience: jwt.ClaimStrings{aud},
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jose.Mint(key, jose.Header{Algorithm: jose.AlgES256, KeyID: kid}, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMintTokenFailed, err)
	}

	return token, nil
}

func (c *Client) SendParAuthRequest(ctx context.Context, meta *OauthAuthorizationMetadata, loginHint string, dpopPrivateJwk jwk.Key) (*SendParAuthResponse, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	parUrl := meta.PushedAuthorizationRequestEndpoint
	if _, err := c.safeUrl(parUrl); err != nil {
		return nil, err
	}

	state, err := helpers.RandomHex(10)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pkceVerifier, err := helpers.RandomHex(48)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	kid, clientKey, err := c.selector.SelectKey()
	if err != nil {
		return nil, err
	}

	clientAssertion, err := c.ClientAssertionJwt(kid, clientKey, meta.Issuer)
	if err != nil {
		return nil, err
	}

	proof, err := NewDpopProof(dpopPrivateJwk, "POST", parUrl)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type":         {"code"},
		"code_challenge":        {helpers.S256(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"client_id":             {c.clientId},
		"state":                 {state},
		"redirect_uri":          {c.redirectUri},
		"scope":                 {c.scope},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {clientAssertion},
	}

	if loginHint != "" {
		params.Set("login_hint", loginHint)
	}

	resp, err := doWithDpop(ctx, c.h, formRequest("POST", parUrl, []byte(params.Encode())), proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: received status code %d", ErrParRequestFailed, resp.StatusCode)
	}

	var parResp struct {
		RequestUri string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parResp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedParResponse, err)
	}

	if parResp.RequestUri == "" {
		return nil, fmt.Errorf("%w: missing request_uri", ErrMalformedParResponse)
	}

	return &SendParAuthResponse{
		State:        state,
		PkceVerifier: pkceVerifier,
		ClientKid:    kid,
		RequestUri:   parResp.RequestUri,
		ExpiresIn:    parResp.ExpiresIn,
	}, nil
}

// AuthorizeUrl is where the browser is sent after a successful PAR.
func (c *Client) AuthorizeUrl(meta *OauthAuthorizationMetadata, requestUri string) (string, error) {
	u, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	u.RawQuery = url.Values{
		"client_id":   {c.clientId},
		"request_uri": {requestUri},
	}.Encode()

	return u.String(), nil
}

func (c *Client) InitialTokenRequest(
	ctx context.Context,
	meta *OauthAuthorizationMetadata,
	clientKid,
	code,
	pkceVerifier string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	params := url.Values{
		"client_id":     {c.clientId},
		"redirect_uri":  {c.redirectUri},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkceVerifier},
	}

	return c.tokenRequest(ctx, meta, clientKid, params, dpopPrivateJwk)
}

func (c *Client) RefreshTokenRequest(
	ctx context.Context,
	meta *OauthAuthorizationMetadata,
	clientKid,
	refreshToken string,
	dpopPrivateJwk jwk.Key,
) (*TokenResponse, error) {
	params := url.Values{
		"client_id":     {c.clientId},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	return c.tokenRequest(ctx, meta, clientKid, params, dpopPrivateJwk)
}

func (c *Client) tokenRequest(ctx context.Context, meta *OauthAuthorizationMetadata, clientKid string, params url.Values, dpopPrivateJwk jwk.Key) (*TokenResponse, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	if _, err := c.safeUrl(meta.TokenEndpoint); err != nil {
		return nil, err
	}

	clientKey, err := c.keys.Lookup(clientKid)
	if err != nil {
		return nil, err
	}

	clientAssertion, err := c.ClientAssertionJwt(clientKid, clientKey, meta.Issuer)
	if err != nil {
		return nil, err
	}

	params.Set("client_assertion_type", clientAssertionType)
	params.Set("client_assertion", clientAssertion)

	proof, err := NewDpopProof(dpopPrivateJwk, "POST", meta.TokenEndpoint)
	if err != nil {
		return nil, err
	}

	resp, err := doWithDpop(ctx, c.h, formRequest("POST", meta.TokenEndpoint, []byte(params.Encode())), proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: received status code %d", ErrTokenRequestFailed, resp.StatusCode)
	}

	var tokenResponse TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTokenResponse, err)
	}

	if tokenResponse.AccessToken == "" || tokenResponse.RefreshToken == "" || tokenResponse.Sub == "" {
		return nil, fmt.Errorf("%w: missing access_token, refresh_token or sub", ErrMalformedTokenResponse)
	}

	if tokenResponse.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: expires_in must be positive, got %d", ErrMalformedTokenResponse, tokenResponse.ExpiresIn)
	}

	if !strings.EqualFold(tokenResponse.TokenType, "DPoP") {
		return nil, fmt.Errorf("%w: got %q", ErrUnexpectedTokenType, tokenResponse.TokenType)
	}

	return &tokenResponse, nil
}

// safeUrl parses ustr and rejects anything that is not a plain https origin
// style url unless insecure urls were allowed.
func (c *Client) safeUrl(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsafeUrl, err)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: url hostname was empty", ErrUnsafeUrl)
	}

	if u.User != nil {
		return nil, fmt.Errorf("%w: url user was not empty", ErrUnsafeUrl)
	}

	if c.allowInsecure {
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrUnsafeUrl, u.Scheme)
		}
		return u, nil
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: input url is not https", ErrUnsafeUrl)
	}

	if u.Port() != "" {
		return nil, fmt.Errorf("%w: url port was not empty", ErrUnsafeUrl)
	}

	return u, nil
}
