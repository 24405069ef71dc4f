package oauth

import (
	"encoding/json"
	"time"
)

const (
	ScopeAtproto           = "atproto"
	ScopeTransitionGeneric = "transition:generic"
	DefaultScope           = ScopeAtproto + " " + ScopeTransitionGeneric

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	algES256            = "ES256"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

func (opr *OauthProtectedResource) UnmarshalJSON(b []byte) error {
	type Tmp OauthProtectedResource
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*opr = OauthProtectedResource(tmp)

	return nil
}

// Validate checks that the document describes pds and names an authorization server.
func (opr *OauthProtectedResource) Validate(pds string) error {
	if opr.Resource != pds {
		return ErrResourceMustMatchPds
	}

	if len(opr.AuthorizationServers) == 0 {
		return ErrAuthorizationServersMustNotBeEmpty
	}

	return nil
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	RequireRequestUriRegistration              *bool    `json:"require_request_uri_registration,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	UILocalesSupported                         []string `json:"ui_locales_supported"`
	DisplayValuesSupported                     []string `json:"display_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ProtectedResources                         []string `json:"protected_resources"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

func (oam *OauthAuthorizationMetadata) UnmarshalJSON(b []byte) error {
	type Tmp OauthAuthorizationMetadata
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*oam = OauthAuthorizationMetadata(tmp)

	return nil
}

// Validate runs the capability checklist against the metadata fetched from
// server. The first failing rule is returned.
func (oam *OauthAuthorizationMetadata) Validate(server string) error {
	if oam.Issuer != server {
		return ErrIssuerMustMatchServer
	}

	checks := []struct {
		ok  bool
		err error
	}{
		{tokenInSet("code", oam.ResponseTypesSupported), ErrResponseTypesMustIncludeCode},
		{tokenInSet("authorization_code", oam.GrantTypesSupported), ErrGrantTypesMustIncludeAuthCode},
		{tokenInSet("refresh_token", oam.GrantTypesSupported), ErrGrantTypesMustIncludeRefresh},
		{tokenInSet("S256", oam.CodeChallengeMethodsSupported), ErrCodeChallengeMustIncludeS256},
		{tokenInSet("none", oam.TokenEndpointAuthMethodsSupported), ErrAuthMethodsMustIncludeNone},
		{tokenInSet("private_key_jwt", oam.TokenEndpointAuthMethodsSupported), ErrAuthMethodsMustIncludePrivateJwt},
		{tokenInSet(algES256, oam.TokenEndpointAuthSigningAlgValuesSupported), ErrAuthSigningAlgMustIncludeES256},
		{tokenInSet(ScopeAtproto, oam.ScopesSupported), ErrScopesMustIncludeAtproto},
		{tokenInSet(ScopeTransitionGeneric, oam.ScopesSupported), ErrScopesMustIncludeTransition},
		{tokenInSet(algES256, oam.DpopSigningAlgValuesSupported), ErrDpopSigningAlgMustIncludeES256},
		{oam.AuthorizationResponseISSParameterSupported, ErrIssParameterMustBeSupported},
		{oam.RequirePushedAuthorizationRequests, ErrParMustBeRequired},
		{oam.ClientIDMetadataDocumentSupported, ErrClientIdMetadataMustBeSupported},
		{oam.PushedAuthorizationRequestEndpoint != "", ErrParEndpointMissing},
		{oam.TokenEndpoint != "", ErrTokenEndpointMissing},
	}

	for _, c := range checks {
		if !c.ok {
			return c.err
		}
	}

	return nil
}

func tokenInSet(token string, set []string) bool {
	for _, t := range set {
		if t == token {
			return true
		}
	}
	return false
}

type SendParAuthResponse struct {
	State        string
	PkceVerifier string
	ClientKid    string
	RequestUri   string
	ExpiresIn    int64
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	Sub          string `json:"sub"`
}

// OauthRequest is the state kept between login and callback. It is looked up
// by State and must be deleted once consumed.
type OauthRequest struct {
	State          string `gorm:"primaryKey"`
	Nonce          string
	PkceVerifier   string
	Issuer         string
	Did            string `gorm:"index"`
	PdsUrl         string
	ClientKid      string
	DpopPrivateJwk string
	Destination    string
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// OauthSession is a live token pair. SessionGroup is the identifier carried by
// the browser cookie and by refresh queue entries.
type OauthSession struct {
	SessionGroup         string `gorm:"primaryKey"`
	AccessToken          string
	RefreshToken         string
	Did                  string `gorm:"index"`
	PdsUrl               string
	Issuer               string
	ClientKid            string
	DpopPrivateJwk       string
	CreatedAt            time.Time
	AccessTokenExpiresAt time.Time
}
