package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/commbridge/internal/command"
	"github.com/CiaranWoodward/commbridge/server"
)

func main() {
	//Using urfave/cli to make sensible CLI argument parsing
	app := &cli.App{
		Name:                   "server",
		Usage:                  "The community server, for accepting process connections and sharing their variables",
		Version:                command.Version,
		Action:                 runServer,
		UseShortOptionHandling: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"p"},
				Usage:    "Listen on the given `PORT` for incoming TCP connections.",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "community",
				Aliases: []string{"c"},
				Usage:   "Serve the community called `NAME`.",
				Value:   "community",
			},
			&cli.IntFlag{
				Name:  "outbox",
				Usage: "Queue at most `COUNT` messages per process before dropping.",
				Value: server.DefaultOutboxSize,
			},
		}, command.CommonFlags()...),
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Handle the top-level CLI arguments, start the server
func runServer(c *cli.Context) error {
	port := c.Int("port")
	if port < 1 || port > 0xFFFF {
		return fmt.Errorf("PORT out of range: %d", port)
	}

	logger := command.Logger(c, "server")
	registry := command.Registry(c)

	ser := server.NewServer(server.Config{
		Community:  c.String("community"),
		OutboxSize: c.Int("outbox"),
		Logger:     logger,
		Metrics:    registry,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	ser.AddListener(listener)
	logger.Info("Listening", "port", port, "community", ser.Community())

	// Run until ctl-c
	return command.Run(c.Context, logger, registry, c.String("metrics-addr"), func(ctx context.Context) error {
		<-ctx.Done()
		ser.Close()
		return nil
	})
}
