package oauth

import (
	"errors"
	"fmt"
)

// Protected resource discovery.
var (
	ErrResourceRequestFailed              = errors.New("oauth: protected resource request failed")
	ErrMalformedResourceResponse          = errors.New("oauth: malformed protected resource response")
	ErrResourceMustMatchPds               = errors.New("oauth: protected resource must match pds")
	ErrAuthorizationServersMustNotBeEmpty = errors.New("oauth: protected resource authorization servers must not be empty")
)

// Authorization server metadata checklist. Each rule has its own error.
var (
	ErrAuthServerRequestFailed          = errors.New("oauth: authorization server metadata request failed")
	ErrMalformedAuthServerResponse      = errors.New("oauth: malformed authorization server metadata response")
	ErrIssuerMustMatchServer            = errors.New("oauth: authorization server issuer must match server")
	ErrResponseTypesMustIncludeCode     = errors.New("oauth: response_types_supported must include code")
	ErrGrantTypesMustIncludeAuthCode    = errors.New("oauth: grant_types_supported must include authorization_code")
	ErrGrantTypesMustIncludeRefresh     = errors.New("oauth: grant_types_supported must include refresh_token")
	ErrCodeChallengeMustIncludeS256     = errors.New("oauth: code_challenge_methods_supported must include S256")
	ErrAuthMethodsMustIncludeNone       = errors.New("oauth: token_endpoint_auth_methods_supported must include none")
	ErrAuthMethodsMustIncludePrivateJwt = errors.New("oauth: token_endpoint_auth_methods_supported must include private_key_jwt")
	ErrAuthSigningAlgMustIncludeES256   = errors.New("oauth: token_endpoint_auth_signing_alg_values_supported must include ES256")
	ErrScopesMustIncludeAtproto         = errors.New("oauth: scopes_supported must include atproto")
	ErrScopesMustIncludeTransition      = errors.New("oauth: scopes_supported must include transition:generic")
	ErrDpopSigningAlgMustIncludeES256   = errors.New("oauth: dpop_signing_alg_values_supported must include ES256")
	ErrIssParameterMustBeSupported      = errors.New("oauth: authorization_response_iss_parameter_supported must be true")
	ErrParMustBeRequired                = errors.New("oauth: require_pushed_authorization_requests must be true")
	ErrClientIdMetadataMustBeSupported  = errors.New("oauth: client_id_metadata_document_supported must be true")
	ErrParEndpointMissing               = errors.New("oauth: pushed_authorization_request_endpoint is empty")
	ErrTokenEndpointMissing             = errors.New("oauth: token_endpoint is empty")
)

// Pushed authorization and token endpoints.
var (
	ErrParRequestFailed       = errors.New("oauth: pushed authorization request failed")
	ErrMalformedParResponse   = errors.New("oauth: malformed pushed authorization response")
	ErrTokenRequestFailed     = errors.New("oauth: token request failed")
	ErrMalformedTokenResponse = errors.New("oauth: malformed token response")
	ErrUnexpectedTokenType    = errors.New("oauth: token_type must be DPoP")
	ErrMintTokenFailed        = errors.New("oauth: unable to mint token")
	ErrUnsafeUrl              = errors.New("oauth: url is not safe")
)

// DPoP nonce handling.
var (
	ErrUnableToParseSimpleError = errors.New("oauth: unable to parse error response")
	ErrMissingDpopNonce         = errors.New("oauth: use_dpop_nonce response is missing the DPoP-Nonce header")
	ErrDpopNonceRetryExhausted  = errors.New("oauth: server asked for a new dpop nonce after retry")
	ErrUnexpectedResponse       = errors.New("oauth: unexpected error response")
)

// Keys and configuration.
var (
	ErrNoClientKeys       = errors.New("oauth: key ring has no keys")
	ErrNoActiveKeys       = errors.New("oauth: key ring has no active keys")
	ErrClientKeyNotFound  = errors.New("oauth: client key not found in key ring")
	ErrInvalidClientKey   = errors.New("oauth: client key is not a P-256 private key")
	ErrInvalidDpopKey     = errors.New("oauth: invalid dpop key")
	ErrInvalidDestination = errors.New("oauth: invalid destination token")
)

// Login and callback.
var (
	ErrRequestNotFound    = errors.New("oauth: oauth request not found")
	ErrRequestExpired     = errors.New("oauth: oauth request has expired")
	ErrIssuerMismatch     = errors.New("oauth: callback issuer does not match request issuer")
	ErrSubjectMismatch    = errors.New("oauth: token subject does not match requested identity")
	ErrSessionNotFound    = errors.New("oauth: oauth session not found")
	ErrCallbackIncomplete = errors.New("oauth: callback is missing state, iss or code")
)

// SimpleError is the small error body returned by oauth and resource servers.
type SimpleError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Message          string `json:"message,omitempty"`
}

// UnexpectedError is a 400 or 401 response that was not a dpop nonce challenge.
type UnexpectedError struct {
	StatusCode int
	Body       SimpleError
}

func (e *UnexpectedError) Error() string {
	msg := e.Body.ErrorDescription
	if msg == "" {
		msg = e.Body.Message
	}

	if msg == "" {
		return fmt.Sprintf("unexpected error response (%d): %s", e.StatusCode, e.Body.Error)
	}

	return fmt.Sprintf("unexpected error response (%d): %s: %s", e.StatusCode, e.Body.Error, msg)
}

func (e *UnexpectedError) Unwrap() error {
	return ErrUnexpectedResponse
}
