package oauth

// ClientMetadata is the document served at the client id url.
type ClientMetadata struct {
	ClientId                    string   `json:"client_id"`
	ClientName                  string   `json:"client_name,omitempty"`
	ClientUri                   string   `json:"client_uri,omitempty"`
	LogoUri                     string   `json:"logo_uri,omitempty"`
	TosUri                      string   `json:"tos_uri,omitempty"`
	PolicyUri                   string   `json:"policy_uri,omitempty"`
	RedirectUris                []string `json:"redirect_uris"`
	GrantTypes                  []string `json:"grant_types"`
	ResponseTypes               []string `json:"response_types"`
	Scope                       string   `json:"scope"`
	ApplicationType             string   `json:"application_type"`
	SubjectType                 string   `json:"subject_type"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg"`
	DpopBoundAccessTokens       bool     `json:"dpop_bound_access_tokens"`
	JwksUri                     string   `json:"jwks_uri"`
}

type ClientMetadataArgs struct {
	ClientName string
	ClientUri  string
	LogoUri    string
	TosUri     string
	PolicyUri  string
	JwksUri    string
}

func (c *Client) ClientMetadata(args ClientMetadataArgs) ClientMetadata {
	return ClientMetadata{
		ClientId:                    c.clientId,
		ClientName:                  args.ClientName,
		ClientUri:                   args.ClientUri,
		LogoUri:                     args.LogoUri,
		TosUri:                      args.TosUri,
		PolicyUri:                   args.PolicyUri,
		RedirectUris:                []string{c.redirectUri},
		GrantTypes:                  []string{"authorization_code", "refresh_token"},
		ResponseTypes:               []string{"code"},
		Scope:                       c.scope,
		ApplicationType:             "web",
		SubjectType:                 "public",
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: algES256,
		DpopBoundAccessTokens:       true,
		JwksUri:                     args.JwksUri,
	}
}
