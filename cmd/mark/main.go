// mark is the autonomous market-maker daemon: it purchases settlement
// invoices from the everclear hub and keeps its own liquidity balanced
// across chains.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/node"
	"github.com/everclear/mark/params"
)

var logger = log.NewModuleLogger("cmd")

func main() {
	app := cli.NewApp()
	app.Name = "mark"
	app.Usage = "autonomous invoice purchaser and cross-chain rebalancer"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "TOML configuration file",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg := params.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return err
	}

	// Adapters register here as deployments enable them; the registry stays
	// empty until a back-end is wired in.
	registry := bridge.NewRegistry()

	n, err := node.New(cfg, registry)
	if err != nil {
		return err
	}
	n.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("shutting down", "signal", sig.String())
	n.Stop()
	return nil
}
