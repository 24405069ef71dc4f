package main

import (
	"context"
	"crypto/ecdsa"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

//go:embed templates/*.html
var templateFS embed.FS

const sessionName = "session"

type Server struct {
	e       *echo.Echo
	flow    *oauth.Flow
	client  *oauth.Client
	store   oauth.Store
	xrpcCli *oauth.XrpcClient
	destKey *ecdsa.PrivateKey
	base    string
	logger  *slog.Logger
}

type ServerArgs struct {
	Flow           *oauth.Flow
	Client         *oauth.Client
	Store          oauth.Store
	DestinationKey *ecdsa.PrivateKey
	ExternalBase   string
	CookieSecret   string
	Logger         *slog.Logger
}

type templateRenderer struct {
	t *template.Template
}

func (r *templateRenderer) Render(w io.Writer, name string, data any, e echo.Context) error {
	return r.t.ExecuteTemplate(w, name, data)
}

func NewServer(args ServerArgs) (*Server, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.CookieSecret == "" {
		return nil, fmt.Errorf("no cookie secret provided")
	}

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.Renderer = &templateRenderer{t: tmpl}

	e.Use(slogecho.New(args.Logger))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(args.CookieSecret))))

	s := &Server{
		e:       e,
		flow:    args.Flow,
		client:  args.Client,
		store:   args.Store,
		xrpcCli: oauth.NewXrpcClient(nil),
		destKey: args.DestinationKey,
		base:    args.ExternalBase,
		logger:  args.Logger,
	}

	e.GET("/", s.handleHome)
	e.GET("/login", s.handleLoginPage)
	e.POST("/oauth/login", s.handleLoginSubmit)
	e.GET("/oauth/callback", s.handleCallback)
	e.GET("/logout", s.handleLogout)
	e.GET("/profile", s.handleProfile)
	e.POST("/post", s.handleMakePost)

	e.GET("/oauth/client-metadata.json", s.handleClientMetadata)
	e.GET("/.well-known/jwks.json", s.handleJwks)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s, nil
}

// Start serves until ctx is cancelled, then shuts the server down.
func (s *Server) Start(ctx context.Context, bind string) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server", "bind", bind)
		if err := s.e.Start(bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.e.Shutdown(shutdownCtx)
}

func (s *Server) handleHome(e echo.Context) error {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	did, _ := sess.Values["did"].(string)

	return e.Render(http.StatusOK, "index.html", map[string]any{
		"Did": did,
	})
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	return e.JSON(http.StatusOK, s.client.ClientMetadata(oauth.ClientMetadataArgs{
		ClientName: "atproto oauth refresher demo",
		ClientUri:  s.base,
		JwksUri:    s.base + "/.well-known/jwks.json",
	}))
}

func (s *Server) handleJwks(e echo.Context) error {
	set, err := s.client.Keys().PublicJwks()
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, set)
}
