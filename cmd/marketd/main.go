// Command marketd runs the marketplace ledger: it serves metrics, resolves
// expired trades, archives the event journal and offers offline tools for
// demonstrating, costing and verifying it.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "marketd",
		Usage: "Marketplace coordination and settlement ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"MARKETCORE_CONFIG"},
				Usage:   "path to the TOML config file (default ~/.marketcore/config.toml when present)",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			demoCmd,
			benchCmd,
			verifyCmd,
			configCmd,
		},
	}
}
