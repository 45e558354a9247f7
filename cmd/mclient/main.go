/*
Interactive CLI for a single community process: register and notify variables, watch the
incoming mail, and record or replay mail logs.
*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/commbridge/client"
	"github.com/CiaranWoodward/commbridge/internal/command"
	"github.com/CiaranWoodward/commbridge/internal/maillog"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/sequencer"
)

func main() {
	//Using urfave/cli to give sensible CLI argument parsing
	app := &cli.App{
		Name:                   "mclient",
		Usage:                  "A community process, for sharing variables with the other processes of a community",
		Version:                command.Version,
		Action:                 runInteractive,
		UseShortOptionHandling: true,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "server",
				Aliases:  []string{"s"},
				Usage:    "Connect to the community server at the provided `HOSTNAME`.",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"p"},
				Usage:    "Connect to the given `PORT` of the community server.",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Introduce this process as `NAME`. Generated when empty.",
			},
			&cli.Float64Flag{
				Name:  "skew",
				Usage: "Discard mail stamped more than `SECONDS` away from the local clock. Zero keeps everything.",
			},
			&cli.StringSliceFlag{
				Name:  "heartbeat",
				Usage: "Notify a counter `KEY:PERIOD` on a schedule, eg. ALIVE:1s. May be repeated.",
			},
		}, command.CommonFlags()...),
		Commands: []*cli.Command{
			{
				Name:   "record",
				Usage:  "Register variables and record every message received to a file",
				Action: runRecord,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Append to `FILE`.", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Record `FORMAT`: binary, cbor or json.", Value: "cbor"},
					&cli.StringSliceFlag{Name: "var", Usage: "Register `VARIABLE` (wildcards allowed). May be repeated.", Required: true},
				},
			},
			{
				Name:   "replay",
				Usage:  "Notify every recorded notification of a file",
				Action: runReplay,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "Read `FILE`.", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Record `FORMAT`: binary, cbor or json.", Value: "cbor"},
					&cli.Float64Flag{Name: "speed", Usage: "Replay at `FACTOR` times the recorded pace. Zero replays at once.", Value: 1},
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// connect dials the server named by the top-level flags
func connect(c *cli.Context, logger *slog.Logger, opts ...client.Option) (*client.Client, error) {
	port := c.Int("port")
	if port < 1 || port > 0xFFFF {
		return nil, fmt.Errorf("PORT out of range: %d", port)
	}
	opts = append(opts, client.WithLogger(logger), client.WithSkewFilter(c.Float64("skew")))
	if name := c.String("name"); name != "" {
		opts = append(opts, client.WithName(name))
	}
	endpoint := fmt.Sprintf("%s:%d", c.String("server"), port)
	cl, err := client.Dial(c.Context, endpoint, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected", "server", endpoint, "community", cl.Community(), "name", cl.Name())
	return cl, nil
}

// heartbeats builds a sequencer from the --heartbeat flags, or nil if there are none
func heartbeats(c *cli.Context, p sequencer.Poster, logger *slog.Logger) (*sequencer.Sequencer, error) {
	specs := c.StringSlice("heartbeat")
	if len(specs) == 0 {
		return nil, nil
	}
	seq := sequencer.New(p, logger)
	for _, s := range specs {
		key, period, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("heartbeat %q is not KEY:PERIOD", s)
		}
		d, err := time.ParseDuration(period)
		if err != nil {
			return nil, fmt.Errorf("heartbeat %q: %w", s, err)
		}
		if err := seq.Add(sequencer.Counter(key, d)); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

// Handle the top-level CLI arguments, start the interactive session
func runInteractive(c *cli.Context) error {
	logger := command.Logger(c, "mclient")
	cl, err := connect(c, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	seq, err := heartbeats(c, cl, logger)
	if err != nil {
		return err
	}
	if seq != nil {
		seq.Start()
		defer seq.Stop()
	}

	startInteractive(c.Context, cl)
	return nil
}

func printMail(mail []msg.Message) {
	for _, m := range mail {
		fmt.Printf("%s %s = %s (from %s@%s)\n", m.Type, m.Key, value(m), m.Source, m.OriginatingCommunity)
	}
}

func value(m msg.Message) string {
	switch m.DataType {
	case msg.Double:
		return strconv.FormatFloat(m.DoubleValue, 'g', -1, 64)
	case msg.String:
		return strconv.Quote(m.StringValue)
	default:
		return fmt.Sprintf("<%d bytes>", len(m.StringValue))
	}
}

func printHelp() {
	log.Println("Interactive Help:")
	log.Println(" register <variable> [min period]")
	log.Println("\t- Receive notifications of a variable, at most once per period (seconds)")
	log.Println("\t  Patterns such as NAV_* register a wildcard")
	log.Println(" unregister <variable>")
	log.Println(" notify <key> <value>")
	log.Println("\t- Publish a value. Numbers are sent as doubles, anything else as a string.")
	log.Println(" fetch")
	log.Println("\t- Print the mail received since the last fetch")
	log.Println(" clients")
	log.Println("\t- List the processes of the community")
	log.Println(" sync")
	log.Println("\t- Estimate the clock skew to the server")
	log.Println(" quit")
}

func startInteractive(ctx context.Context, c *client.Client) {
	printHelp()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		var err error
		switch cmd {
		case "register", "unregister":
			if len(args) == 0 {
				log.Printf("Usage: %s <variable>", cmd)
				continue
			}
			err = subscribe(c, cmd == "register", args)

		case "notify":
			if len(args) < 2 {
				log.Println("Usage: notify <key> <value>")
				continue
			}
			text := strings.Join(args[1:], " ")
			if v, perr := strconv.ParseFloat(text, 64); perr == nil {
				err = c.Notify(args[0], v, 0)
			} else {
				err = c.NotifyString(args[0], text, 0)
			}

		case "fetch":
			mail := c.Fetch()
			printMail(mail)
			log.Printf("%d messages", len(mail))

		case "clients":
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			var names []string
			names, err = c.Clients(rctx)
			cancel()
			if err == nil {
				log.Printf("Clients: %s", strings.Join(names, ", "))
			}

		case "sync":
			if err = c.SyncClock(); err == nil {
				time.Sleep(100 * time.Millisecond)
				log.Printf("Clock skew: %.6fs", c.ClockSkew())
			}

		case "quit":
			return
		default:
			log.Printf("Unrecognised command \"%s\".\n", cmd)
			continue
		}

		if err != nil {
			log.Printf("Error: %v", err)
		}
		if !c.IsConnected() {
			log.Println("Disconnected from server")
			return
		}
	}
}

func subscribe(c *client.Client, register bool, args []string) error {
	variable := args[0]
	period := 0.0
	if len(args) > 1 {
		p, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("period %q: %w", args[1], err)
		}
		period = p
	}
	wildcard := strings.ContainsAny(variable, "*?[")
	switch {
	case register && wildcard:
		return c.RegisterWildcard(variable, period)
	case register:
		return c.Register(variable, period)
	case wildcard:
		return c.UnregisterWildcard(variable)
	default:
		return c.Unregister(variable)
	}
}

func runRecord(c *cli.Context) error {
	logger := command.Logger(c, "mclient")
	tc, err := msg.TranscoderByName(c.String("format"))
	if err != nil {
		return err
	}
	f, err := os.OpenFile(c.String("out"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rec := maillog.NewRecorder(f, tc)
	cl, err := connect(c, logger, client.WithMailHandler(func(mail []msg.Message) {
		if err := rec.Record(mail); err != nil {
			logger.Error("Recording failed", "error", err)
		}
	}))
	if err != nil {
		return err
	}
	defer cl.Close()

	for _, v := range c.StringSlice("var") {
		if err := subscribe(cl, true, []string{v}); err != nil {
			return err
		}
	}
	logger.Info("Recording", "file", f.Name(), "format", c.String("format"))

	return command.Run(c.Context, logger, nil, "", func(ctx context.Context) error {
		<-ctx.Done()
		logger.Info("Recorded", "messages", rec.Count())
		return nil
	})
}

func runReplay(c *cli.Context) error {
	logger := command.Logger(c, "mclient")
	tc, err := msg.TranscoderByName(c.String("format"))
	if err != nil {
		return err
	}
	f, err := os.Open(c.String("in"))
	if err != nil {
		return err
	}
	defer f.Close()

	cl, err := connect(c, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	return command.Run(c.Context, logger, nil, "", func(ctx context.Context) error {
		n, err := maillog.Replay(ctx, bufio.NewReader(f), tc, cl, c.Float64("speed"))
		logger.Info("Replayed", "messages", n)
		return err
	})
}
