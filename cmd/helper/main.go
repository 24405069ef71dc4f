package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/haileyok/atproto-oauth-refresher"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "atproto-oauth-refresher-helper",
		Usage:   "key management for the oauth client",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runGenerateJwks,
			runPublicJwks,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "write a JWKS of new P-256 client assertion keys",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name: "prefix",
		},
		&cli.IntFlag{
			Name:  "count",
			Value: 1,
		},
		&cli.StringFlag{
			Name:  "out",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}

		if cmd.Int("count") < 1 {
			return fmt.Errorf("count must be at least 1")
		}

		set := jwk.NewSet()
		var kids []string
		for i := 0; i < cmd.Int("count"); i++ {
			key, err := oauth.GenerateKey(prefix)
			if err != nil {
				return err
			}

			if err := set.AddKey(key); err != nil {
				return err
			}
			kids = append(kids, key.KeyID())
		}

		b, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			return err
		}

		if err := os.WriteFile(cmd.String("out"), b, 0600); err != nil {
			return err
		}

		for _, kid := range kids {
			fmt.Println(kid)
		}

		return nil
	},
}

var runPublicJwks = &cli.Command{
	Name:      "public-jwks",
	Usage:     "print the public half of a JWKS",
	ArgsUsage: "<path or base64>",
	Action: func(cmd *cli.Context) error {
		if cmd.Args().Len() != 1 {
			return fmt.Errorf("expected one argument")
		}

		set, err := oauth.ReadJwks(cmd.Args().First())
		if err != nil {
			return err
		}

		pub, err := jwk.PublicSetOf(set)
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(pub, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	},
}
