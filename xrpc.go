package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/carlmjohnson/versioninfo"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// XrpcClient calls a pds on behalf of a session using DPoP bound access tokens.
type XrpcClient struct {
	h         *http.Client
	userAgent string
}

func NewXrpcClient(h *http.Client) *XrpcClient {
	if h == nil {
		h = &http.Client{
			Timeout: DefaultTimeout,
		}
	}

	return &XrpcClient{
		h:         h,
		userAgent: "atproto-oauth-refresher/" + versioninfo.Short(),
	}
}

type XrpcAuthedRequestArgs struct {
	Did            string
	PdsUrl         string
	AccessToken    string
	DpopPrivateJwk jwk.Key
}

// SessionAuthArgs builds request args from a stored session.
func SessionAuthArgs(sess *OauthSession) (*XrpcAuthedRequestArgs, error) {
	key, err := ParseDpopKey(sess.DpopPrivateJwk)
	if err != nil {
		return nil, err
	}

	return &XrpcAuthedRequestArgs{
		Did:            sess.Did,
		PdsUrl:         sess.PdsUrl,
		AccessToken:    sess.AccessToken,
		DpopPrivateJwk: key,
	}, nil
}

func (c *XrpcClient) Do(
	ctx context.Context,
	args *XrpcAuthedRequestArgs,
	kind string,
	inpenc,
	method string,
	params map[string]any,
	bodyobj any,
	out any,
) error {
	var body []byte
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return err
		}
		body = b
	}

	var m string
	switch kind {
	case xrpc.Query:
		m = "GET"
	case xrpc.Procedure:
		m = "POST"
	default:
		return fmt.Errorf("unsupported request kind: %s", kind)
	}

	// the proof's htu excludes the query string
	htu := strings.TrimSuffix(args.PdsUrl, "/") + "/xrpc/" + method

	uri := htu
	if len(params) > 0 {
		uri += "?" + makeParams(params)
	}

	proof, err := NewDpopProof(args.DpopPrivateJwk, m, htu)
	if err != nil {
		return err
	}
	proof = proof.WithAccessToken(args.AccessToken)

	build := func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, m, uri, r)
		if err != nil {
			return nil, err
		}

		if body != nil && inpenc != "" {
			req.Header.Set("Content-Type", inpenc)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Authorization", "DPoP "+args.AccessToken)

		return req, nil
	}

	resp, err := doWithDpop(ctx, c.h, build, proof)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var xe xrpc.XRPCError
		if err := json.NewDecoder(resp.Body).Decode(&xe); err != nil {
			return &xrpc.Error{StatusCode: resp.StatusCode, Wrapped: err}
		}
		return &xrpc.Error{StatusCode: resp.StatusCode, Wrapped: &xe}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding xrpc response: %w", err)
		}
	}

	return nil
}

func makeParams(p map[string]any) string {
	params := url.Values{}
	for k, v := range p {
		if s, ok := v.([]string); ok {
			for _, v := range s {
				params.Add(k, v)
			}
		} else {
			params.Add(k, fmt.Sprint(v))
		}
	}

	return params.Encode()
}
