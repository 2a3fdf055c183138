// Command greybridgectl hosts a demo application endpoint and calls into
// running ones.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("greybridgectl")
	}
}

var app = &cli.App{
	Name:  "greybridgectl",
	Usage: "drive a greybridge application endpoint",
	Commands: []*cli.Command{
		hostCmd(),
		callCmd(),
		classesCmd(),
	},
}

type commonConfig struct {
	configPath string
	app        string
}

func (c *commonConfig) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "TOML config file",
			EnvVars:     []string{"GREYBRIDGE_CONFIG"},
			Destination: &c.configPath,
		},
		&cli.StringFlag{
			Name:        "app",
			Usage:       "application name; overrides the config file",
			Destination: &c.app,
		},
	}
}
