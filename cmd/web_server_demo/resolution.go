package main

import (
	"context"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// identityResolver resolves handles and dids to the account's pds through
// an atproto identity directory.
type identityResolver struct {
	dir identity.Directory
}

func newIdentityResolver(dir identity.Directory) *identityResolver {
	return &identityResolver{dir: dir}
}

func (r *identityResolver) ResolvePds(ctx context.Context, input string) (string, string, error) {
	atid, err := syntax.ParseAtIdentifier(input)
	if err != nil {
		return "", "", fmt.Errorf("invalid handle or did: %w", err)
	}

	ident, err := r.dir.Lookup(ctx, *atid)
	if err != nil {
		return "", "", err
	}

	pds := ident.PDSEndpoint()
	if pds == "" {
		return "", "", fmt.Errorf("no pds endpoint declared for %s", ident.DID)
	}

	return ident.DID.String(), pds, nil
}
