/*
The bridge joins several communities, forwarding the variables named by the share rules of
its mission file block.
*/
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/commbridge/bridge"
	"github.com/CiaranWoodward/commbridge/client"
	"github.com/CiaranWoodward/commbridge/config"
	"github.com/CiaranWoodward/commbridge/internal/command"
)

func main() {
	//Using urfave/cli to make sensible CLI argument parsing
	app := &cli.App{
		Name:                   "bridge",
		Usage:                  "Forward variables between communities, as configured in a mission file",
		Version:                command.Version,
		Action:                 runBridge,
		UseShortOptionHandling: true,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"f"},
				Usage:    "Read the mission `FILE` (text, or YAML with a .yaml extension).",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Use the configuration block of process `NAME`.",
				Value:   "pBridge",
			},
			&cli.DurationFlag{
				Name:  "retry",
				Usage: "Wait at least `INTERVAL` between attempts to reach a community.",
				Value: bridge.DefaultRetryInterval,
			},
		}, command.CommonFlags()...),
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Handle the top-level CLI arguments, configure and run the bridge
func runBridge(c *cli.Context) error {
	name := c.String("name")
	logger := command.Logger(c, name)
	registry := command.Registry(c)

	file, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	local, err := bridge.LocalEndpoint(file.Global)
	if err != nil {
		return err
	}
	section, ok := file.Block(name)
	if !ok {
		return fmt.Errorf("%s has no ProcessConfig block for %s", file.Path, name)
	}

	router := bridge.NewRouter(bridge.Config{
		Local:         local,
		Dial:          dialer(name, logger),
		RetryInterval: c.Duration("retry"),
		Logger:        logger,
		Metrics:       registry,
	})
	if err := router.Configure(section); err != nil {
		return err
	}
	defer router.Close()

	for _, skipped := range router.Skipped() {
		logger.Warn("Rule not in effect", "error", skipped)
	}

	return command.Run(c.Context, logger, registry, c.String("metrics-addr"), router.Run)
}

// dialer opens one client session per community, introduced under the bridge's own name
func dialer(name string, logger *slog.Logger) bridge.SessionFactory {
	return func(ctx context.Context, ep bridge.Endpoint) (bridge.Session, error) {
		cl, err := client.Dial(ctx, ep.HostPort(),
			client.WithName(name),
			client.WithLogger(logger.With("community", ep.Community)),
		)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}
