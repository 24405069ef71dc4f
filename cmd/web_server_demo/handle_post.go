package main

import (
	"net/http"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleMakePost(e echo.Context) error {
	authArgs, authed, err := s.getOauthSessionAuthArgs(e)
	if err != nil {
		return err
	}

	if !authed {
		return e.Redirect(http.StatusFound, "/login?destination=/profile")
	}

	text := e.FormValue("text")
	if text == "" {
		text = "hello from an atproto oauth client with background refresh"
	}

	post := bsky.FeedPost{
		Text:      text,
		CreatedAt: syntax.DatetimeNow().String(),
	}

	input := atproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       authArgs.Did,
		Record:     &util.LexiconTypeDecoder{Val: &post},
	}

	var out atproto.RepoCreateRecord_Output
	if err := s.xrpcCli.Do(e.Request().Context(), authArgs, xrpc.Procedure, "application/json", "com.atproto.repo.createRecord", nil, input, &out); err != nil {
		return err
	}

	s.logger.Info("created post", "did", authArgs.Did, "uri", out.Uri)

	return e.Redirect(http.StatusFound, "/profile")
}
