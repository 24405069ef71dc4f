package main

import (
	"errors"
	"net/http"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

// getOauthSessionAuthArgs loads the oauth session named by the browser
// session. The refresh task keeps its tokens current.
func (s *Server) getOauthSessionAuthArgs(e echo.Context) (*oauth.XrpcAuthedRequestArgs, bool, error) {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return nil, false, err
	}

	group, ok := sess.Values["session_group"].(string)
	if !ok {
		return nil, false, nil
	}
	did, _ := sess.Values["did"].(string)

	oauthSession, err := s.store.GetSession(e.Request().Context(), group, did)
	if errors.Is(err, oauth.ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	args, err := oauth.SessionAuthArgs(oauthSession)
	if err != nil {
		return nil, false, err
	}

	return args, true, nil
}

func (s *Server) handleProfile(e echo.Context) error {
	authArgs, authed, err := s.getOauthSessionAuthArgs(e)
	if err != nil {
		return err
	}

	if !authed {
		return e.Redirect(http.StatusFound, "/login?destination=/profile")
	}

	var out bsky.ActorDefs_ProfileViewDetailed
	if err := s.xrpcCli.Do(e.Request().Context(), authArgs, xrpc.Query, "", "app.bsky.actor.getProfile", map[string]any{"actor": authArgs.Did}, nil, &out); err != nil {
		return err
	}

	var dn string
	if out.DisplayName != nil {
		dn = *out.DisplayName
	}

	var desc string
	if out.Description != nil {
		desc = *out.Description
	}

	return e.Render(http.StatusOK, "profile.html", map[string]any{
		"DisplayName": dn,
		"Description": desc,
		"Handle":      out.Handle,
	})
}
