package oauth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haileyok/atproto-oauth-refresher/internal/helpers"
	"github.com/haileyok/atproto-oauth-refresher/jose"
)

func TestDpopProofClaims(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey(nil)
	require.NoError(t, err)

	proof, err := NewDpopProof(key, "GET", "https://pds.example.com/xrpc/app.bsky.actor.getProfile")
	require.NoError(t, err)

	first, err := proof.WithAccessToken("token-1").WithNonce("n1").Mint()
	require.NoError(t, err)

	claims, err := parseProof(first)
	require.NoError(t, err)
	assert.Equal("GET", claims.HTTPMethod)
	assert.Equal("https://pds.example.com/xrpc/app.bsky.actor.getProfile", claims.HTTPURI)
	assert.Equal("n1", claims.Nonce)
	assert.Equal(helpers.S256("token-1"), claims.AccessTokenHash)

	// WithNonce and WithAccessToken do not modify the original
	bare, err := proof.Mint()
	require.NoError(t, err)
	bareClaims, err := parseProof(bare)
	require.NoError(t, err)
	assert.Empty(bareClaims.Nonce)
	assert.Empty(bareClaims.AccessTokenHash)
	assert.NotEqual(claims.ID, bareClaims.ID)
}

// nonceServer answers with the given responses in order and records proofs.
type nonceServer struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	proofs    []*jose.Claims
	auth      []string
}

func (ns *nonceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	claims, err := parseProof(r.Header.Get("DPoP"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusTeapot)
		return
	}
	ns.proofs = append(ns.proofs, claims)
	ns.auth = append(ns.auth, r.Header.Get("Authorization"))

	i := len(ns.proofs) - 1
	if i >= len(ns.responses) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	ns.responses[i](w)
}

func nonceChallenge(nonce string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if nonce != "" {
			w.Header().Set("DPoP-Nonce", nonce)
		}
		writeJson(w, http.StatusUnauthorized, map[string]any{"error": "use_dpop_nonce", "message": "nonce required"})
	}
}

func okJson(body map[string]any) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		writeJson(w, http.StatusOK, body)
	}
}

func newXrpcArgs(t *testing.T, pds string) *XrpcAuthedRequestArgs {
	key, err := GenerateKey(nil)
	require.NoError(t, err)

	return &XrpcAuthedRequestArgs{
		Did:            "did:plc:alice",
		PdsUrl:         pds,
		AccessToken:    "access-1",
		DpopPrivateJwk: key,
	}
}

func TestXrpcNonceRetry(t *testing.T) {
	assert := assert.New(t)

	ns := &nonceServer{responses: []func(w http.ResponseWriter){
		nonceChallenge("pds-nonce"),
		okJson(map[string]any{"handle": "alice.example.com"}),
	}}
	srv := httptest.NewServer(ns)
	defer srv.Close()

	var out struct {
		Handle string `json:"handle"`
	}

	cli := NewXrpcClient(nil)
	err := cli.Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Query, "", "app.bsky.actor.getProfile", map[string]any{"actor": "did:plc:alice"}, nil, &out)
	require.NoError(t, err)
	assert.Equal("alice.example.com", out.Handle)

	require.Len(t, ns.proofs, 2)
	assert.Empty(ns.proofs[0].Nonce)
	assert.Equal("pds-nonce", ns.proofs[1].Nonce)
	assert.Equal(srv.URL+"/xrpc/app.bsky.actor.getProfile", ns.proofs[1].HTTPURI)
	assert.Equal(helpers.S256("access-1"), ns.proofs[1].AccessTokenHash)
	assert.Equal("DPoP access-1", ns.auth[1])
}

func TestXrpcSecondNonceChallengeNotRetried(t *testing.T) {
	ns := &nonceServer{responses: []func(w http.ResponseWriter){
		nonceChallenge("n1"),
		nonceChallenge("n2"),
		okJson(map[string]any{}),
	}}
	srv := httptest.NewServer(ns)
	defer srv.Close()

	err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Procedure, "application/json", "com.atproto.repo.createRecord", nil, map[string]any{"repo": "did:plc:alice"}, nil)
	assert.ErrorIs(t, err, ErrDpopNonceRetryExhausted)
	assert.Len(t, ns.proofs, 2)
}

func TestXrpcNonceChallengeErrors(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		ns := &nonceServer{responses: []func(w http.ResponseWriter){nonceChallenge("")}}
		srv := httptest.NewServer(ns)
		defer srv.Close()

		err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Query, "", "a.b.c", nil, nil, nil)
		assert.ErrorIs(t, err, ErrMissingDpopNonce)
		assert.Len(t, ns.proofs, 1)
	})

	t.Run("unparseable body", func(t *testing.T) {
		ns := &nonceServer{responses: []func(w http.ResponseWriter){func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("<html>nope</html>"))
		}}}
		srv := httptest.NewServer(ns)
		defer srv.Close()

		err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Query, "", "a.b.c", nil, nil, nil)
		assert.ErrorIs(t, err, ErrUnableToParseSimpleError)
	})

	t.Run("other error", func(t *testing.T) {
		ns := &nonceServer{responses: []func(w http.ResponseWriter){func(w http.ResponseWriter) {
			writeJson(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token", "message": "expired"})
		}}}
		srv := httptest.NewServer(ns)
		defer srv.Close()

		err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Query, "", "a.b.c", nil, nil, nil)
		var unexpected *UnexpectedError
		require.ErrorAs(t, err, &unexpected)
		assert.Equal(t, "invalid_token", unexpected.Body.Error)
		assert.Equal(t, "expired", unexpected.Body.Message)
	})

	t.Run("other statuses pass through", func(t *testing.T) {
		ns := &nonceServer{responses: []func(w http.ResponseWriter){func(w http.ResponseWriter) {
			writeJson(w, http.StatusNotFound, map[string]any{"error": "RecordNotFound", "message": "missing"})
		}}}
		srv := httptest.NewServer(ns)
		defer srv.Close()

		err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), xrpc.Query, "", "a.b.c", nil, nil, nil)
		var xe *xrpc.Error
		require.ErrorAs(t, err, &xe)
		assert.Equal(t, http.StatusNotFound, xe.StatusCode)
		assert.Len(t, ns.proofs, 1)
	})
}

func TestXrpcUnsupportedKind(t *testing.T) {
	ns := &nonceServer{}
	srv := httptest.NewServer(ns)
	defer srv.Close()

	err := NewXrpcClient(nil).Do(ctx, newXrpcArgs(t, srv.URL), "subscription", "", "a.b.c", nil, nil, nil)
	assert.ErrorContains(t, err, `unsupported request kind: subscription`)
	assert.Empty(t, ns.proofs)
}
