package main

import (
	"context"
	"testing"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
)

func newTestDirectory() *identity.MockDirectory {
	dir := identity.NewMockDirectory()
	dir.Insert(identity.Identity{
		DID:    syntax.DID("did:plc:z72i7hdynmk6r22z27h6tvur"),
		Handle: syntax.Handle("bsky.app"),
		Services: map[string]identity.Service{
			"atproto_pds": {
				Type: "AtprotoPersonalDataServer",
				URL:  "https://puffball.us-east.host.bsky.network",
			},
		},
	})
	dir.Insert(identity.Identity{
		DID:    syntax.DID("did:plc:oisofpd7lj26yvgiivf3lxsi"),
		Handle: syntax.Handle("hailey.at"),
	})
	return &dir
}

func TestResolvePds(t *testing.T) {
	assert := assert.New(t)
	r := newIdentityResolver(newTestDirectory())

	did, pds, err := r.ResolvePds(context.TODO(), "bsky.app")
	assert.NoError(err)
	assert.Equal("did:plc:z72i7hdynmk6r22z27h6tvur", did)
	assert.Equal("https://puffball.us-east.host.bsky.network", pds)

	did, pds, err = r.ResolvePds(context.TODO(), "did:plc:z72i7hdynmk6r22z27h6tvur")
	assert.NoError(err)
	assert.Equal("did:plc:z72i7hdynmk6r22z27h6tvur", did)
	assert.Equal("https://puffball.us-east.host.bsky.network", pds)
}

func TestResolvePdsErrors(t *testing.T) {
	assert := assert.New(t)
	r := newIdentityResolver(newTestDirectory())

	_, _, err := r.ResolvePds(context.TODO(), "not a handle")
	assert.Error(err)

	_, _, err = r.ResolvePds(context.TODO(), "unknown.example.com")
	assert.Error(err)

	// identity without a pds service
	_, _, err = r.ResolvePds(context.TODO(), "hailey.at")
	assert.Error(err)
}
