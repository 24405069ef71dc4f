package main

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

// localDestination accepts only paths on this server.
func localDestination(dest string) bool {
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.HasPrefix(dest, "/\\") {
		return false
	}

	u, err := url.Parse(dest)
	return err == nil && u.Scheme == "" && u.Host == ""
}

func (s *Server) handleLoginPage(e echo.Context) error {
	dest := e.QueryParam("destination")
	if !localDestination(dest) {
		dest = "/"
	}

	token, err := oauth.SignDestination(s.destKey, dest)
	if err != nil {
		return err
	}

	return e.Render(http.StatusOK, "login.html", map[string]any{
		"Destination": token,
		"Error":       e.QueryParam("e"),
	})
}

func (s *Server) handleLoginSubmit(e echo.Context) error {
	authInput := strings.ToLower(strings.TrimSpace(e.FormValue("auth-input")))
	if authInput == "" {
		return e.Redirect(http.StatusFound, "/login?e=auth-input-empty")
	}

	dest := "/"
	if token := e.FormValue("destination"); token != "" {
		parsed, err := oauth.ParseDestination(token, &s.destKey.PublicKey)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid destination")
		}
		if localDestination(parsed) {
			dest = parsed
		}
	}

	res, err := s.flow.Login(e.Request().Context(), oauth.LoginArgs{
		Input:       authInput,
		Destination: dest,
	})
	if err != nil {
		s.logger.Error("login failed", "input", authInput, "err", err)

		var flowErr *oauth.FlowError
		if errors.As(err, &flowErr) && flowErr.State == oauth.FlowInit {
			return e.Redirect(http.StatusFound, "/login?e=identity-not-found")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "could not start login with your server")
	}

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
	}

	sess.Values = map[any]any{}
	sess.Values["oauth_state"] = res.State

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, res.RedirectUrl)
}

func (s *Server) handleCallback(e echo.Context) error {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	state := e.QueryParam("state")
	if sessState, _ := sess.Values["oauth_state"].(string); sessState == "" || sessState != state {
		return echo.NewHTTPError(http.StatusBadRequest, "session state does not match response state")
	}

	res, err := s.flow.Callback(e.Request().Context(), oauth.CallbackArgs{
		State: state,
		Iss:   e.QueryParam("iss"),
		Code:  e.QueryParam("code"),
	})
	if err != nil {
		s.logger.Error("oauth callback failed", "err", err)

		switch {
		case errors.Is(err, oauth.ErrCallbackIncomplete),
			errors.Is(err, oauth.ErrRequestNotFound),
			errors.Is(err, oauth.ErrRequestExpired),
			errors.Is(err, oauth.ErrIssuerMismatch):
			return echo.NewHTTPError(http.StatusBadRequest, "invalid oauth callback")
		default:
			return echo.NewHTTPError(http.StatusBadGateway, "could not complete login")
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}

	sess.Values = map[any]any{}
	sess.Values["session_group"] = res.Session.SessionGroup
	sess.Values["did"] = res.Session.Did

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, res.Destination)
}

func (s *Server) handleLogout(e echo.Context) error {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	if group, ok := sess.Values["session_group"].(string); ok {
		if err := s.flow.Logout(e.Request().Context(), group); err != nil {
			s.logger.Error("failed to log out", "sessionGroup", group, "err", err)
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}
