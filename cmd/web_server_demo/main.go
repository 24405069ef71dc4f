package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/haileyok/atproto-oauth-refresher/refresh"
	"github.com/haileyok/atproto-oauth-refresher/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "atproto-oauth-refresher-demo",
		Usage:   "web server demonstrating atproto oauth login with background token refresh",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "external-base",
				Usage:    "public base url of this server, used for the client id and redirect uri",
				Required: true,
				EnvVars:  []string{"EXTERNAL_BASE"},
			},
			&cli.StringFlag{
				Name:     "signing-keys",
				Usage:    "path to, or base64 of, a JWKS holding the client assertion keys",
				Required: true,
				EnvVars:  []string{"SIGNING_KEYS"},
			},
			&cli.StringFlag{
				Name:     "oauth-active-keys",
				Usage:    "';' separated kids that may be used for new logins",
				Required: true,
				EnvVars:  []string{"OAUTH_ACTIVE_KEYS"},
			},
			&cli.StringFlag{
				Name:    "destination-key",
				Usage:   "kid of the key that signs post-login destinations, defaults to the first active key",
				EnvVars: []string{"DESTINATION_KEY"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Value:   "sqlite://data/oauth-demo.db",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Value:   "redis://localhost:6379/0",
				EnvVars: []string{"REDIS_URL"},
			},
			&cli.StringFlag{
				Name:    "worker-id",
				Usage:   "refresh worker id, defaults to the hostname",
				EnvVars: []string{"WORKER_ID"},
			},
			&cli.DurationFlag{
				Name:    "refresh-interval",
				Value:   refresh.DefaultInterval,
				EnvVars: []string{"REFRESH_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "lease-timeout",
				Usage:   "how long another worker may go without a heartbeat before its claimed sessions are reclaimed",
				Value:   2 * time.Minute,
				EnvVars: []string{"LEASE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "IP or address, and port, to listen on for HTTP",
				Value:   ":7070",
				EnvVars: []string{"BIND"},
			},
			&cli.StringFlag{
				Name:     "cookie-secret",
				Required: true,
				EnvVars:  []string{"COOKIE_SECRET"},
			},
			&cli.StringFlag{
				Name:    "plc-host",
				Usage:   "method, hostname, and port of PLC registry",
				Value:   identity.DefaultPLCURL,
				EnvVars: []string{"ATP_PLC_HOST"},
			},
			&cli.BoolFlag{
				Name:    "allow-insecure-urls",
				Usage:   "accept http and explicit ports for oauth endpoints, for local development",
				EnvVars: []string{"ALLOW_INSECURE_URLS"},
			},
		},
		Action: runServer,
	}

	return app.Run(args)
}

func runServer(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	keys, err := oauth.LoadKeyRing(cctx.String("signing-keys"), cctx.String("oauth-active-keys"))
	if err != nil {
		return err
	}

	destKid := cctx.String("destination-key")
	if destKid == "" {
		destKid = oauth.ParseActiveKeys(cctx.String("oauth-active-keys"))[0]
	}

	destKey, err := keys.Lookup(destKid)
	if err != nil {
		return fmt.Errorf("destination key: %w", err)
	}

	db, err := store.Open(cctx.String("database-url"), logger)
	if err != nil {
		return err
	}

	st, err := store.New(db)
	if err != nil {
		return err
	}

	ropts, err := redis.ParseURL(cctx.String("redis-url"))
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(ropts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	externalBase := strings.TrimSuffix(cctx.String("external-base"), "/")

	client, err := oauth.NewClient(oauth.ClientArgs{
		Keys:              keys,
		ClientId:          externalBase + "/oauth/client-metadata.json",
		RedirectUri:       externalBase + "/oauth/callback",
		AllowInsecureUrls: cctx.Bool("allow-insecure-urls"),
	})
	if err != nil {
		return err
	}

	identity.DefaultPLCURL = cctx.String("plc-host")

	queue := refresh.NewQueue(rdb)

	flow, err := oauth.NewFlow(oauth.FlowArgs{
		Client:    client,
		Store:     st,
		Scheduler: queue,
		Resolver:  newIdentityResolver(identity.DefaultDirectory()),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	workerId := cctx.String("worker-id")
	if workerId == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no worker id set and hostname unavailable: %w", err)
		}
		workerId = hostname
	}

	task, err := refresh.NewRefreshTask(refresh.RefreshTaskArgs{
		Config: refresh.Config{
			Interval:     cctx.Duration("refresh-interval"),
			WorkerId:     workerId,
			LeaseTimeout: cctx.Duration("lease-timeout"),
		},
		Redis:     rdb,
		Store:     st,
		Refresher: client,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	s, err := NewServer(ServerArgs{
		Flow:           flow,
		Client:         client,
		Store:          st,
		DestinationKey: destKey,
		ExternalBase:   externalBase,
		CookieSecret:   cctx.String("cookie-secret"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Start(gctx, cctx.String("bind"))
	})

	g.Go(func() error {
		return task.Run(gctx)
	})

	g.Go(func() error {
		purgeExpiredRequests(gctx, st, logger)
		return nil
	})

	return g.Wait()
}

func purgeExpiredRequests(ctx context.Context, st *store.GormStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.DeleteExpiredRequests(ctx, time.Now())
			if err != nil {
				logger.Error("failed to purge expired oauth requests", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired oauth requests", "count", n)
			}
		}
	}
}
